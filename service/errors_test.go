package service_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/signature"
)

func TestErrorCode(t *testing.T) {
	_, sigErr := signature.Parse([]byte(`{"type":"typed","text":""}`))

	tests := []struct {
		err  error
		want service.Code
	}{
		{nil, ""},
		{fmt.Errorf("%w: d1", service.ErrNotFound), service.CodeNotFound},
		{service.ErrForbidden, service.CodeForbidden},
		{service.ErrFullySigned, service.CodeFullySigned},
		{service.ErrAlreadySigned, service.CodeAlreadySigned},
		{sigErr, service.CodeInvalidSignature},
		{fmt.Errorf("%w: %w", models.ErrInvalidDocument, sigErr), service.CodeInvalidSignature},
		{service.ErrStoreConflict, service.CodeStoreConflict},
		{fmt.Errorf("%w: bad", service.ErrInvalidInput), service.CodeInvalidInput},
		{models.ErrKindChange, service.CodeInvalidInput},
		{service.ErrUnauthorized, service.CodeUnauthorized},
		{service.ErrLockedOut, service.CodeLockedOut},
		{errors.New("dynamodb unavailable"), service.CodeInternal},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, service.ErrorCode(tc.err), "%v", tc.err)
	}
}

func TestCanMutate(t *testing.T) {
	doc := models.Document{OwnerUserId: ownerId, Payload: models.ReceiptData{}}

	assert.True(t, service.CanMutate(admin, doc))
	assert.True(t, service.CanMutate(owner, doc))
	assert.False(t, service.CanMutate(stranger, doc))
	assert.False(t, service.CanMutate(models.Anonymous, doc))

	unowned := models.Document{Payload: models.ReceiptData{}}
	assert.False(t, service.CanMutate(models.Caller{Kind: models.CallerUser}, unowned), "empty ids never match")
	assert.True(t, service.CanMutate(admin, unowned))
}

func TestCanSign_StoredSignatureIsTerminal(t *testing.T) {
	// Stored before the hex color limit existed
	stored := signature.Signature{Type: signature.TypeTyped, Text: "Sender", Color: "red"}
	require.Error(t, signature.Validate(stored))

	receipt := models.Document{Payload: models.ReceiptData{Title: "Deposit"}, SignatureSender: &stored}
	err := service.CanSign(receipt, service.SignerTarget{Role: models.PartySender})
	assert.True(t, errors.Is(err, service.ErrAlreadySigned), "got %v", err)
	assert.NoError(t, service.CanSign(receipt, service.SignerTarget{Role: models.PartyReceiver}))

	blank := signature.Signature{Type: signature.TypeTyped, Text: " "}
	receipt.SignatureSender = &blank
	assert.NoError(t, service.CanSign(receipt, service.SignerTarget{Role: models.PartySender}), "an empty stored value is not a signature")
}
