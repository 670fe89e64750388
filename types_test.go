package chunkdist

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkStateValues(t *testing.T) {
	// Wire and journal rows carry these strings; they must not drift.
	assert.Equal(t, ChunkState("target"), StateTarget)
	assert.Equal(t, ChunkState("assigned"), StateAssigned)
	assert.Equal(t, ChunkState("completed"), StateCompleted)
	assert.Equal(t, ChunkState("limbo"), StateLimbo)
}

func TestOutcomeJSON(t *testing.T) {
	data, err := json.Marshal(Outcome{ChunkID: 7, Succeeded: false, Message: "generator exit 2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chunk_id":7,"succeeded":false,"message":"generator exit 2"}`, string(data))

	// Message is omitted for clean outcomes.
	data, err = json.Marshal(Outcome{ChunkID: 7, Succeeded: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chunk_id":7,"succeeded":true}`, string(data))
}

func TestRunConfigurationJSONRoundTrip(t *testing.T) {
	in := RunConfiguration{
		GeneratorArgs: "--objects 100 --visits 30",
		GeneratorSpec: "spec text",
		PartitionerConfigs: []ConfigFile{
			{Name: "object.cfg", Contents: "id = objectId"},
		},
		Ingest: IngestConfig{Host: "ingest.local", Port: 25080, Database: "cat", Skip: false},
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out RunConfiguration
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
