package openstack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/strato-sh/strato/platform"
	"github.com/strato-sh/strato/resource"
)

func TestBuildUserDataQuotesUserInput(t *testing.T) {
	script := string(buildUserData(platform.ProvisionRequest{
		ResourceID: "res-1",
		Image:      "ghcr.io/acme/app:1",
		Command:    "python train.py --epochs 3; echo done",
		Env: []resource.EnvVar{
			{Key: "MODE", Value: "it's fast"},
			{Key: "TOKEN", SecretName: "hub-token"},
		},
	}))

	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Contains(t, script, "--env 'MODE=it'\"'\"'s fast'")
	assert.NotContains(t, script, "TOKEN", "secret-backed env vars must not leak into user data")
	assert.Contains(t, script, "/bin/sh -c 'python train.py --epochs 3; echo done'")
}

func TestBuildUserDataSecretsAndAddress(t *testing.T) {
	script := string(buildUserData(platform.ProvisionRequest{
		ResourceID:      "res-1",
		Image:           "img",
		SecretRefs:      []string{"hub-token", "ops-key"},
		ExpectedAddress: "10.99.0.12",
	}))

	assert.Contains(t, script, "/etc/strato/address")
	assert.Contains(t, script, "10.99.0.12")
	assert.Contains(t, script, "hub-token")
	assert.NotContains(t, script, "--env", "no env vars requested")
}

func TestBuildUserDataGPUFlag(t *testing.T) {
	withGPU := string(buildUserData(platform.ProvisionRequest{
		Image:       "img",
		Accelerator: &resource.AcceleratorRequest{Type: "A100", Count: 4},
	}))
	withoutGPU := string(buildUserData(platform.ProvisionRequest{Image: "img"}))

	assert.Contains(t, withGPU, "--gpus all")
	assert.NotContains(t, withoutGPU, "--gpus")
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		Image:        "ubuntu-22.04-docker",
		CPUFlavor:    "m1.large",
		MaxInstances: 10,
		Flavors:      map[string]string{"A100": "g1.a100x4"},
		Capacity:     map[string]int{"A100": 8},
	}
	assert.NoError(t, Validate(valid))

	noImage := valid
	noImage.Image = ""
	assert.Error(t, Validate(noImage))

	danglingCapacity := valid
	danglingCapacity.Capacity = map[string]int{"H100": 4}
	assert.Error(t, Validate(danglingCapacity))
}
