package schema

import (
	"encoding/json"
	"errors"
	"testing"

	batchdomain "github.com/nerves76/promptreviews-sub034/internal/batchrun/domain"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsWellFormedItems(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.Validate(batchdomain.BatchTypeRank, []json.RawMessage{
		json.RawMessage(`{"keyword":"dentist near me","device":"mobile"}`),
		json.RawMessage(`{"keyword":"best dentist"}`),
	})
	require.NoError(t, err)

	err = v.Validate(batchdomain.BatchTypeLLM, []json.RawMessage{
		json.RawMessage(`{"query":"who is the best dentist in town","providers":["openai"]}`),
	})
	require.NoError(t, err)
}

func TestValidateReportsEveryBadItem(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	err = v.Validate(batchdomain.BatchTypeConcept, []json.RawMessage{
		json.RawMessage(`{"concept":"teeth whitening"}`),
		json.RawMessage(`{"concept":""}`),
		json.RawMessage(`{"sources":["a"]}`),
		json.RawMessage(`not json`),
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, batchdomain.ErrInvalidPayload))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	indexes := map[int]bool{}
	for _, item := range verr.Errors {
		indexes[item.Index] = true
	}
	require.False(t, indexes[0])
	require.True(t, indexes[1])
	require.True(t, indexes[2])
	require.True(t, indexes[3])
}

func TestValidateRejectsUnknownType(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	require.ErrorIs(t, v.Validate("survey", nil), batchdomain.ErrInvalidBatchType)
}
