package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidatesEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"request", `{"type":"request","id":"1","event":"join"}`, nil},
		{"ack", `{"type":"ack","id":"1"}`, nil},
		{"event", `{"type":"event","event":"new-message","payload":{}}`, nil},
		{"request without id", `{"type":"request","event":"join"}`, ErrMalformedFrame},
		{"ack without id", `{"type":"ack"}`, ErrMalformedFrame},
		{"event without name", `{"type":"event"}`, ErrMalformedFrame},
		{"unknown type", `{"type":"bogus","id":"1"}`, ErrMalformedFrame},
		{"not json", `{`, ErrMalformedFrame},
		{"empty", ``, limits.ErrMessageEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEncodeRejectsOversizedFrames(t *testing.T) {
	payload, err := Marshal(SendMessageRequest{Text: strings.Repeat("x", limits.MaxFrameSize)})
	require.NoError(t, err)

	_, err = Encode(Frame{Type: FrameRequest, ID: "1", Event: EventSendMessage, Payload: payload})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestAckCarriesError(t *testing.T) {
	data, err := Encode(Frame{Type: FrameAck, ID: "9", Error: &Error{Code: CodeRateLimited, Message: "slow down", RetryAfter: 60}})
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, f.Error)
	assert.Equal(t, CodeRateLimited, f.Error.Code)
	assert.Equal(t, 60*time.Second, f.Error.RetryAfterDuration())
}

func TestPayloadHelpers(t *testing.T) {
	date := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	raw, err := Marshal(SendMessageRequest{
		TransactionID: "tx-1",
		ClientID:      "c1",
		Kind:          messaging.KindProposal,
		Proposed:      &messaging.Terms{Price: 4.2, Quantity: 10, DeliveryDate: date},
	})
	require.NoError(t, err)

	var req SendMessageRequest
	require.NoError(t, Unmarshal(raw, &req))
	require.NotNil(t, req.Proposed)
	assert.True(t, req.Proposed.DeliveryDate.Equal(date))

	nilRaw, err := Marshal(nil)
	require.NoError(t, err)
	assert.Nil(t, nilRaw)
	assert.NoError(t, Unmarshal(nil, &req))
	assert.ErrorIs(t, Unmarshal([]byte(`[`), &req), ErrMalformedFrame)
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", NewError(CodeValidation, "transaction %s is closed", "tx-1"))

	pe, ok := AsError(wrapped)
	require.True(t, ok)
	assert.True(t, pe.Permanent())
	assert.True(t, IsCode(wrapped, CodeValidation))
	assert.False(t, IsCode(wrapped, CodeForbidden))
	assert.Equal(t, "VALIDATION: transaction tx-1 is closed", pe.Error())

	assert.False(t, (&Error{Code: CodeRateLimited}).Permanent())
	assert.False(t, (&Error{Code: CodeInternal}).Permanent())

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}
