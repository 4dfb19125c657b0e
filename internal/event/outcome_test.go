package event_test

import (
	"testing"

	"MarginLedger/internal/event"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomesPayload(t *testing.T) {
	owner := uuid.New()
	outcomes := []event.Outcome{
		&event.PositionOpened{PositionID: 7, Owner: owner, SourceAsset: "USDC", TargetAsset: "TKN", TargetAmount: "125000000", OrderID: 3},
		&event.OrderClosed{OrderID: 3, Owner: owner, Reason: event.OrderFilledMargin, PositionID: 7},
	}

	payload, err := event.EncodeOutcomes(outcomes)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"type":"PositionOpened"`)

	decoded, err := event.DecodeOutcomes(payload)
	require.NoError(t, err)
	assert.Equal(t, outcomes, decoded)
}

func TestDecodeOutcomes_Errors(t *testing.T) {
	out, err := event.DecodeOutcomes(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = event.DecodeOutcomes([]byte(`[{"type":"Nope","data":{}}]`))
	assert.ErrorContains(t, err, "unknown outcome type")

	_, err = event.DecodeOutcomes([]byte(`{`))
	assert.Error(t, err)
}

func TestParseEventType(t *testing.T) {
	for et := event.EventTypeDeposit; et <= event.EventTypeCustodyChanged; et++ {
		got, ok := event.ParseEventType(et.String())
		require.True(t, ok, et.String())
		assert.Equal(t, et, got)
	}
	_, ok := event.ParseEventType("Funding")
	assert.False(t, ok)
}
