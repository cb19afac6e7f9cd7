package wire

import (
	"testing"
	"time"

	"github.com/hodei/pipelines/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripEnvelopes(t *testing.T) {
	codec := jsonCodec{}

	in := &WorkerMessage{
		Register: &RegisterRequest{
			WorkerID:        "w1",
			PoolID:          "pool-a",
			SessionToken:    "tok",
			Capabilities:    &types.WorkerCapabilities{Labels: []string{"linux"}},
			ProtocolVersion: ProtocolVersion,
		},
	}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	out := new(WorkerMessage)
	require.NoError(t, codec.Unmarshal(data, out))
	assert.Equal(t, in, out)
	assert.Equal(t, "register", out.Kind())

	down := &OrchestratorMessage{
		Cancel: &CancelRequest{JobID: "job-1", Reason: "user request", Grace: 10 * time.Second},
	}
	data, err = codec.Marshal(down)
	require.NoError(t, err)

	gotDown := new(OrchestratorMessage)
	require.NoError(t, codec.Unmarshal(data, gotDown))
	assert.Equal(t, down, gotDown)
	assert.Equal(t, "cancel", gotDown.Kind())
}

func TestCodecUnmarshalError(t *testing.T) {
	err := jsonCodec{}.Unmarshal([]byte("{not json"), new(WorkerMessage))
	assert.Error(t, err)
}

func TestEnvelopeKindEmpty(t *testing.T) {
	assert.Equal(t, "empty", (&WorkerMessage{}).Kind())
	assert.Equal(t, "empty", (&OrchestratorMessage{}).Kind())
}

func TestAssignmentCarriesPipelineModel(t *testing.T) {
	codec := jsonCodec{}

	in := &OrchestratorMessage{
		Assignment: &Assignment{
			JobID: "job-1",
			Definition: &types.JobDefinition{
				Pipeline: &types.PipelineModel{
					Stages: []*types.Stage{
						{
							Name:  "build",
							Steps: []*types.Step{{Kind: types.StepShell, Command: "make"}},
						},
					},
				},
				Env: map[string]string{"CI": "true"},
			},
			Artifacts: []*types.ArtifactRef{{ID: "art-1", DestinationPath: "/workspace/dep"}},
		},
	}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	out := new(OrchestratorMessage)
	require.NoError(t, codec.Unmarshal(data, out))
	require.NotNil(t, out.Assignment)
	require.Len(t, out.Assignment.Definition.Pipeline.Stages, 1)
	assert.Equal(t, "make", out.Assignment.Definition.Pipeline.Stages[0].Steps[0].Command)
}
