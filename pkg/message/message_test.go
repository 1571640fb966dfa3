package message_test

import (
	"errors"
	"testing"
	"time"

	"github.com/kat-co/vala"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sequent/pkg/message"
)

type widget struct {
	Name string `json:"name"`
}

func init() {
	message.Register("message_test.Widget", widget{}, func(p any) error {
		w := p.(*widget)
		return message.RequireFields(vala.StringNotEmpty(w.Name, "name"))
	})
	message.Register("message_test.Unvalidated", widget{}, nil)
}

func TestNewSetsSelfCausationAndCorrelation(t *testing.T) {
	m, err := message.New("s1", "message_test.Unvalidated", widget{Name: "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, m.ID, m.CausationID)
	assert.Equal(t, m.ID, m.CorrelationID)
	assert.Equal(t, "s1", m.StreamID)
	assert.Equal(t, uint64(0), m.Seq)
}

func TestNewValidatesRegisteredPayload(t *testing.T) {
	_, err := message.New("s1", "message_test.Widget", &widget{Name: ""}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, message.ErrInvalidMessage))
}

func TestNewAcceptsValidPayload(t *testing.T) {
	m, err := message.New("s1", "message_test.Widget", &widget{Name: "ok"}, nil)
	require.NoError(t, err)

	var got widget
	require.NoError(t, m.Decode(&got))
	assert.Equal(t, "ok", got.Name)
}

func TestCorrelateInheritsCorrelationAndSetsCausation(t *testing.T) {
	root, err := message.New("s1", "message_test.Unvalidated", widget{Name: "root"}, nil)
	require.NoError(t, err)

	next, err := message.New("s1", "message_test.Unvalidated", widget{Name: "next"}, nil)
	require.NoError(t, err)

	correlated := root.Correlate(next)
	assert.Equal(t, root.ID, correlated.CausationID)
	assert.Equal(t, root.CorrelationID, correlated.CorrelationID)
	assert.NotEqual(t, root.ID, correlated.ID)
}

func TestFollowBuildsAndCorrelatesInOneStep(t *testing.T) {
	root, err := message.New("s1", "message_test.Unvalidated", widget{Name: "root"}, nil)
	require.NoError(t, err)

	next, err := root.Follow("s1", "message_test.Unvalidated", widget{Name: "next"}, nil)
	require.NoError(t, err)

	assert.Equal(t, root.ID, next.CausationID)
	assert.Equal(t, root.CorrelationID, next.CorrelationID)
}

func TestMetadataMergeOverlaysNewOverOld(t *testing.T) {
	base := message.Metadata{"a": "1", "b": "1"}
	merged := base.Merge(message.Metadata{"b": "2", "c": "2"})
	assert.Equal(t, message.Metadata{"a": "1", "b": "2", "c": "2"}, merged)
}

func TestDelayRejectsPastTarget(t *testing.T) {
	m, err := message.New("s1", "message_test.Unvalidated", widget{Name: "a"}, nil)
	require.NoError(t, err)

	_, err = m.Delay(m.CreatedAt.Add(-time.Hour))
	assert.True(t, errors.Is(err, message.ErrPastMessageDate))
}

func TestDelayAcceptsFutureTarget(t *testing.T) {
	m, err := message.New("s1", "message_test.Unvalidated", widget{Name: "a"}, nil)
	require.NoError(t, err)

	target := m.CreatedAt.Add(time.Hour)
	delayed, err := m.Delay(target)
	require.NoError(t, err)
	assert.Equal(t, target, delayed.CreatedAt)
}

func TestValidatePayloadIgnoresUnregisteredType(t *testing.T) {
	assert.NoError(t, message.ValidatePayload("message_test.NeverRegistered", widget{}))
}

func TestLookupUnknownType(t *testing.T) {
	_, err := message.Lookup("message_test.NeverRegistered")
	assert.True(t, errors.Is(err, message.ErrUnknownMessage))
}

func TestNewPayloadReturnsPointerToRegisteredType(t *testing.T) {
	payload, err := message.NewPayload("message_test.Widget")
	require.NoError(t, err)
	_, ok := payload.(*widget)
	assert.True(t, ok)
}
