package cloudjobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/andreypavlenko/formsender/internal/config"
)

func testClient() *Client {
	return &Client{cfg: config.CloudConfig{
		DefaultVCPUPerTask:     1,
		DefaultMemoryMBPerTask: 2048,
		MemoryBufferMB:         512,
		PreferSpot:             true,
		AllowOnDemandFallback:  true,
	}}
}

func TestCalculateResources_DefaultsToCustomMachineType(t *testing.T) {
	c := testClient()

	shape := c.CalculateResources(BatchResourceInputs{WorkersPerWorkflow: 4})

	assert.Equal(t, int64(4000), shape.CPUMilli)
	// 4 workers * 2048MB + 512MB buffer = 8704, already a multiple of 256
	assert.Equal(t, int64(8704), shape.MemoryMB)
	assert.Equal(t, "n2d-custom-4-8704", shape.MachineType)
	assert.True(t, shape.PreferSpot)
}

func TestCalculateResources_FallsBackWhenRequestedMachineTypeTooSmall(t *testing.T) {
	c := testClient()

	shape := c.CalculateResources(BatchResourceInputs{
		WorkersPerWorkflow: 8,
		VCPUPerWorker:      2,
		MemoryPerWorkerMB:  4096,
		MachineType:        "n2d-custom-2-4096",
	})

	assert.Equal(t, true, shape.Metadata["memory_warning"])
	assert.GreaterOrEqual(t, shape.CPUMilli, int64(4000))
	assert.GreaterOrEqual(t, shape.MemoryMB, int64(10240))
}

func TestCalculateResources_RespectsExplicitBufferOverride(t *testing.T) {
	c := testClient()
	buffer := 0

	shape := c.CalculateResources(BatchResourceInputs{
		WorkersPerWorkflow: 1,
		VCPUPerWorker:      1,
		MemoryPerWorkerMB:  1024,
		MemoryBufferMB:     &buffer,
	})

	assert.Equal(t, int64(1024), shape.MemoryMB)
}

func TestSanitizeJobPrefix(t *testing.T) {
	assert.Equal(t, "form-sender", SanitizeJobPrefix(""))
	assert.Equal(t, "my-template", SanitizeJobPrefix("templates/My_Template!!"))
	assert.Equal(t, "form-sender", SanitizeJobPrefix("---"))
}

func TestSanitizeTaskGroupID(t *testing.T) {
	assert.Equal(t, "", SanitizeTaskGroupID(""))
	assert.Equal(t, "primary", SanitizeTaskGroupID("Primary"))
	assert.Equal(t, "group-1", SanitizeTaskGroupID("1"))
}

func TestGenerateJobID_HasSanitizedPrefixAndUniqueSuffix(t *testing.T) {
	a := GenerateJobID("My Template")
	b := GenerateJobID("My Template")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "my-template-")
}
