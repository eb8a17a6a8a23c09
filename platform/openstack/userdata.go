package openstack

import (
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/strato-sh/strato/platform"
)

// buildUserData renders the cloud-init boot script that starts the workload
// container on a freshly provisioned server. Every interpolated value is
// shell-quoted: image names, commands and env values come from user specs.
func buildUserData(req platform.ProvisionRequest) []byte {
	var script strings.Builder
	script.WriteString("#!/bin/sh\nset -eu\n\n")

	script.WriteString("mkdir -p /etc/strato\n")
	fmt.Fprintf(&script, "echo %s > /etc/strato/resource\n", shellescape.Quote(req.ResourceID))
	if req.ExpectedAddress != "" {
		fmt.Fprintf(&script, "echo %s > /etc/strato/address\n", shellescape.Quote(req.ExpectedAddress))
	}
	if len(req.SecretRefs) > 0 {
		// Secret names only: the on-instance agent fetches the contents.
		fmt.Fprintf(&script, "echo %s > /etc/strato/secrets\n", shellescape.Quote(strings.Join(req.SecretRefs, "\n")))
	}

	for _, key := range req.SSHKeys {
		if key.PublicKey != "" {
			fmt.Fprintf(&script, "echo %s >> /root/.ssh/authorized_keys\n", shellescape.Quote(key.PublicKey))
		}
	}

	script.WriteString("\ndocker run --detach --restart=no --network=host \\\n")
	fmt.Fprintf(&script, "  --name %s \\\n", shellescape.Quote("strato-workload"))
	for _, env := range req.Env {
		if env.SecretName != "" {
			continue
		}
		fmt.Fprintf(&script, "  --env %s \\\n", shellescape.Quote(fmt.Sprintf("%s=%s", env.Key, env.Value)))
	}
	if req.Accelerator != nil {
		script.WriteString("  --gpus all \\\n")
	}
	fmt.Fprintf(&script, "  %s", shellescape.Quote(req.Image))
	if req.Command != "" {
		fmt.Fprintf(&script, " /bin/sh -c %s", shellescape.Quote(req.Command))
	}
	script.WriteString("\n")

	return []byte(script.String())
}
