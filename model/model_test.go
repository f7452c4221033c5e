package model

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userReq(text string) Request {
	return Request{Messages: []Message{{Role: RoleUser, Text: text}}}
}

func TestMockModel_QueueThenRepeat(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.Enqueue("first", "second")
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		resp, err := Collect(ctx, m, userReq("go"))
		require.NoError(t, err)
		assert.Equal(t, want, resp.Text)
	}
	assert.Len(t, m.Requests(), 3)
}

func TestMockModel_PromptMatchAndDefault(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.AddResponse("hello", "world")

	resp, err := Collect(context.Background(), m, userReq("hello"))
	require.NoError(t, err)
	assert.Equal(t, "world", resp.Text)

	resp, err = Collect(context.Background(), m, userReq("other"))
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: other", resp.Text)
}

func TestMockModel_Streaming(t *testing.T) {
	m := NewMockModel("mock", "test")
	m.Enqueue("a b c")

	req := userReq("x")
	req.Stream = true
	respCh, errCh := m.Generate(context.Background(), req)

	var partials []string
	var final string
	for r := range respCh {
		if r.Partial {
			partials = append(partials, r.Text)
		} else {
			final = r.Text
		}
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"a ", "b ", "c"}, partials)
	assert.Equal(t, "a b c", final)
}

func TestCollect_Errors(t *testing.T) {
	m := NewMockModel("mock", "test")
	_, err := Collect(context.Background(), m, Request{})
	assert.ErrorIs(t, err, ErrEmptyRequest)

	boom := errors.New("rate limited")
	m.FailWith(boom)
	_, err = Collect(context.Background(), m, userReq("x"))
	assert.ErrorIs(t, err, boom)
}

func TestRequest_LastUserText(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleUser, Text: "one"},
		{Role: RoleAssistant, Text: "reply"},
		{Role: RoleUser, Text: "two"},
		{Role: RoleAssistant, Text: "reply"},
	}}
	assert.Equal(t, "two", req.LastUserText())
	assert.Equal(t, "", Request{}.LastUserText())
}
