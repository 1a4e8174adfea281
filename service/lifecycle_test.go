package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cachememory "github.com/zlnvch/signlink/cache/memory"
	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/store"
	storememory "github.com/zlnvch/signlink/store/memory"
	storemocks "github.com/zlnvch/signlink/store/mocks"
)

func TestCreateDocument_Contract(t *testing.T) {
	f := setupService(t)

	doc, err := f.svc.CreateDocument(context.Background(), owner, service.CreateDocumentInput{
		Payload: models.ContractBody{Title: "Lease"},
		Signers: []models.Signer{
			{Id: "a", Role: "Bên A"},
			{Role: "Bên B", Signed: true},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, doc.Id)
	assert.Equal(t, ownerId, doc.OwnerUserId)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, int64(1), doc.Version)
	require.Len(t, doc.Signers, 2)
	assert.Equal(t, "a", doc.Signers[0].Id)
	assert.NotEmpty(t, doc.Signers[1].Id, "missing slot ids are generated")
	assert.False(t, doc.Signers[1].Signed, "slots always start unsigned")

	stored, err := f.store.GetDocument(context.Background(), doc.Id)
	require.NoError(t, err)
	assert.Equal(t, doc.Signers, stored.Signers)
	assert.Equal(t, []models.AuditEventType{models.AuditCreated}, auditTypes(f))
}

func TestCreateDocument_Owners(t *testing.T) {
	f := setupService(t)

	assert.Equal(t, ownerId, newReceipt(t, f, owner).OwnerUserId)
	assert.Empty(t, newReceipt(t, f, admin).OwnerUserId)
	assert.Empty(t, newReceipt(t, f, models.Anonymous).OwnerUserId)
}

func TestCreateDocument_Invalid(t *testing.T) {
	f := setupService(t)

	tests := []struct {
		name  string
		input service.CreateDocumentInput
	}{
		{"Missing Payload", service.CreateDocumentInput{}},
		{"Contract Without Signers", service.CreateDocumentInput{Payload: models.ContractBody{}}},
		{"Receipt With Signers", service.CreateDocumentInput{Payload: models.ReceiptData{}, Signers: []models.Signer{{Id: "a"}}}},
		{"Duplicate Signer Ids", service.CreateDocumentInput{Payload: models.ContractBody{}, Signers: []models.Signer{{Id: "a"}, {Id: " a "}}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateDocument(context.Background(), owner, tc.input)
			assert.ErrorIs(t, err, service.ErrInvalidInput)
			assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))
		})
	}
}

func TestApplySignature_ContractProgression(t *testing.T) {
	f := setupService(t)
	doc := newContract(t, f, owner, "a", "b")

	afterA, completed := sign(t, f, doc.Id, service.SignerTarget{SignerId: "a"}, drawnSig)
	assert.False(t, completed)
	assert.Equal(t, models.StatusPartiallySigned, afterA.Status)
	assert.Nil(t, afterA.SignedAt)
	assert.True(t, afterA.Signers[0].Signed)
	assert.NotNil(t, afterA.Signers[0].SignedAt)
	assert.Equal(t, doc.Version+1, afterA.Version)

	afterB, completed := sign(t, f, doc.Id, service.SignerTarget{SignerId: "b"}, typedSig)
	assert.True(t, completed)
	assert.Equal(t, models.StatusSigned, afterB.Status)
	require.NotNil(t, afterB.SignedAt)

	// A signed slot stays signed and the document is not touched again
	_, _, err := f.svc.ApplySignature(context.Background(), doc.Id, service.SignerTarget{SignerId: "a"}, []byte(typedSig))
	assert.ErrorIs(t, err, service.ErrAlreadySigned)
	assert.Equal(t, service.CodeAlreadySigned, service.ErrorCode(err))

	final, err := f.store.GetDocument(context.Background(), doc.Id)
	require.NoError(t, err)
	assert.Equal(t, afterB.Version, final.Version)
	assert.Equal(t, *afterB.SignedAt, *final.SignedAt)

	assert.Equal(t, []models.AuditEventType{
		models.AuditCreated,
		models.AuditSigned,
		models.AuditSigned,
		models.AuditCompleted,
	}, auditTypes(f))
}

func TestApplySignature_Receipt(t *testing.T) {
	f := setupService(t)
	doc := newReceipt(t, f, models.Anonymous)

	afterSender, completed := sign(t, f, doc.Id, service.SignerTarget{Role: models.PartySender}, legacySig)
	assert.False(t, completed)
	assert.Equal(t, models.StatusPending, afterSender.Status, "receipts have no partial state")
	require.NotNil(t, afterSender.SignatureSender)
	assert.Equal(t, "drawn", string(afterSender.SignatureSender.Type), "legacy arrays are stored as drawn")
	assert.NotNil(t, afterSender.SenderSignedAt)

	afterReceiver, completed := sign(t, f, doc.Id, service.SignerTarget{Role: models.PartyReceiver}, typedSig)
	assert.True(t, completed)
	assert.Equal(t, models.StatusSigned, afterReceiver.Status)
	assert.NotNil(t, afterReceiver.SignedAt)
}

func TestApplySignature_Rejections(t *testing.T) {
	f := setupService(t)
	contract := newContract(t, f, owner, "a")
	receipt := newReceipt(t, f, owner)

	tests := []struct {
		name   string
		id     string
		target service.SignerTarget
		raw    string
		want   service.Code
	}{
		{"Empty Drawn Signature", contract.Id, service.SignerTarget{SignerId: "a"}, emptySig, service.CodeInvalidSignature},
		{"Blank Typed Signature", receipt.Id, service.SignerTarget{Role: models.PartySender}, `{"type":"typed","text":" "}`, service.CodeInvalidSignature},
		{"Unknown Signer", contract.Id, service.SignerTarget{SignerId: "zzz"}, drawnSig, service.CodeNotFound},
		{"Contract By Role", contract.Id, service.SignerTarget{Role: models.PartySender}, drawnSig, service.CodeInvalidInput},
		{"Receipt By Signer", receipt.Id, service.SignerTarget{SignerId: "a"}, drawnSig, service.CodeInvalidInput},
		{"Unknown Role", receipt.Id, service.SignerTarget{Role: "witness"}, drawnSig, service.CodeInvalidInput},
		{"Unknown Document", "missing", service.SignerTarget{SignerId: "a"}, drawnSig, service.CodeNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, completed, err := f.svc.ApplySignature(context.Background(), tc.id, tc.target, []byte(tc.raw))
			require.Error(t, err)
			assert.False(t, completed)
			assert.Equal(t, tc.want, service.ErrorCode(err))
		})
	}

	// Nothing above reached the store
	for _, id := range []string{contract.Id, receipt.Id} {
		doc, err := f.store.GetDocument(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Version)
		assert.Equal(t, models.StatusPending, doc.Status)
	}
}

func TestApplySignature_ConcurrentDistinctSlots(t *testing.T) {
	f := setupService(t)
	ids := []string{"s1", "s2", "s3", "s4", "s5", "s6", "s7", "s8"}
	doc := newContract(t, f, owner, ids...)

	var wg sync.WaitGroup
	var completions atomic.Int32
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(signerId string) {
			defer wg.Done()
			_, completed, err := f.svc.ApplySignature(context.Background(), doc.Id, service.SignerTarget{SignerId: signerId}, []byte(drawnSig))
			if completed {
				completions.Add(1)
			}
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), completions.Load(), "exactly one call completes the document")

	final, err := f.store.GetDocument(context.Background(), doc.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSigned, final.Status)
	assert.NotNil(t, final.SignedAt)
	for _, s := range final.Signers {
		assert.True(t, s.Signed, "slot %s lost its signature", s.Id)
	}
}

func TestApplySignature_ConcurrentSameSlot(t *testing.T) {
	f := setupService(t)
	doc := newContract(t, f, owner, "a", "b")

	const attempts = 10
	var wg sync.WaitGroup
	var successes, alreadySigned atomic.Int32
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.svc.ApplySignature(context.Background(), doc.Id, service.SignerTarget{SignerId: "a"}, []byte(typedSig))
			switch {
			case err == nil:
				successes.Add(1)
			case service.ErrorCode(err) == service.CodeAlreadySigned:
				alreadySigned.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(attempts-1), alreadySigned.Load())

	final, err := f.store.GetDocument(context.Background(), doc.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartiallySigned, final.Status)
	assert.Equal(t, doc.Version+1, final.Version)
}

func TestApplySignature_RetriesExhausted(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	f := setupServiceWithStore(t, mockStore, service.Options{MaxUpdateAttempts: 3})

	doc := models.Document{
		Id:      "d1",
		Payload: models.ReceiptData{Title: "x"},
		Status:  models.StatusPending,
		Version: 4,
	}
	mockStore.On("GetDocument", mock.Anything, "d1").Return(doc, nil)
	mockStore.On("UpdateDocument", mock.Anything, mock.Anything, int64(4)).Return(models.Document{}, store.ErrConditionFailed)

	_, completed, err := f.svc.ApplySignature(context.Background(), "d1", service.SignerTarget{Role: models.PartySender}, []byte(drawnSig))
	assert.ErrorIs(t, err, service.ErrStoreConflict)
	assert.Equal(t, service.CodeStoreConflict, service.ErrorCode(err))
	assert.False(t, completed)
	mockStore.AssertNumberOfCalls(t, "UpdateDocument", 3)
	assert.Empty(t, auditTypes(f))
}

func TestApplyEdit(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	t.Run("Owner Edits Partially Signed Contract", func(t *testing.T) {
		doc := newContract(t, f, owner, "a", "b")
		signed, _ := sign(t, f, doc.Id, service.SignerTarget{SignerId: "a"}, drawnSig)

		edited, err := f.svc.ApplyEdit(ctx, doc.Id, owner, models.ContractBody{Title: "Amended"})
		require.NoError(t, err)
		assert.Equal(t, "Amended", edited.Title())
		assert.Equal(t, models.StatusPartiallySigned, edited.Status)
		assert.Equal(t, signed.Signers, edited.Signers, "signer state is untouched")
	})

	t.Run("Receipt Switches To Legacy", func(t *testing.T) {
		doc := newReceipt(t, f, owner)
		edited, err := f.svc.ApplyEdit(ctx, doc.Id, admin, models.LegacyInfo{Title: "Old style"})
		require.NoError(t, err)
		assert.Equal(t, models.KindLegacyReceipt, edited.Kind())
	})

	t.Run("Contract Cannot Become Receipt", func(t *testing.T) {
		doc := newContract(t, f, owner, "a")
		_, err := f.svc.ApplyEdit(ctx, doc.Id, owner, models.ReceiptData{Title: "x"})
		assert.Equal(t, service.CodeInvalidInput, service.ErrorCode(err))
		assert.ErrorIs(t, err, models.ErrKindChange)
	})

	t.Run("Strangers And Link Holders Are Forbidden", func(t *testing.T) {
		doc := newReceipt(t, f, owner)
		for _, caller := range []models.Caller{stranger, models.Anonymous} {
			_, err := f.svc.ApplyEdit(ctx, doc.Id, caller, models.ReceiptData{Title: "x"})
			assert.ErrorIs(t, err, service.ErrForbidden)
		}
	})

	t.Run("Fully Signed Is Locked Even For Admin", func(t *testing.T) {
		doc := newContract(t, f, owner, "a")
		sign(t, f, doc.Id, service.SignerTarget{SignerId: "a"}, drawnSig)

		for _, caller := range []models.Caller{owner, admin} {
			_, err := f.svc.ApplyEdit(ctx, doc.Id, caller, models.ContractBody{Title: "late"})
			assert.ErrorIs(t, err, service.ErrFullySigned)
			assert.Equal(t, service.CodeFullySigned, service.ErrorCode(err))
		}

		// Permission is checked before the lock
		_, err := f.svc.ApplyEdit(ctx, doc.Id, stranger, models.ContractBody{Title: "late"})
		assert.ErrorIs(t, err, service.ErrForbidden)
	})
}

func TestApplyDelete(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	pending := newReceipt(t, f, owner)
	assert.ErrorIs(t, f.svc.ApplyDelete(ctx, pending.Id, models.Anonymous), service.ErrForbidden)
	assert.ErrorIs(t, f.svc.ApplyDelete(ctx, pending.Id, stranger), service.ErrForbidden)
	require.NoError(t, f.svc.ApplyDelete(ctx, pending.Id, owner))

	_, err := f.svc.GetDocument(ctx, pending.Id)
	assert.ErrorIs(t, err, service.ErrNotFound)

	signed := newContract(t, f, owner, "a")
	sign(t, f, signed.Id, service.SignerTarget{SignerId: "a"}, drawnSig)
	assert.ErrorIs(t, f.svc.ApplyDelete(ctx, signed.Id, admin), service.ErrFullySigned)

	_, err = f.store.GetDocument(ctx, signed.Id)
	assert.NoError(t, err, "signed documents are never deleted")
}

func TestApplyDelete_OwnerCannotDeleteCompletedContract(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	doc := newContract(t, f, owner, "s1", "s2")

	afterFirst, completed := sign(t, f, doc.Id, service.SignerTarget{SignerId: "s1"}, typedSig)
	assert.False(t, completed)
	assert.Equal(t, models.StatusPartiallySigned, afterFirst.Status)

	afterSecond, completed := sign(t, f, doc.Id, service.SignerTarget{SignerId: "s2"}, drawnSig)
	assert.True(t, completed)
	assert.Equal(t, models.StatusSigned, afterSecond.Status)

	err := f.svc.ApplyDelete(ctx, doc.Id, owner)
	assert.ErrorIs(t, err, service.ErrFullySigned)
	assert.Equal(t, service.CodeFullySigned, service.ErrorCode(err))

	stored, err := f.store.GetDocument(ctx, doc.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSigned, stored.Status)
	assert.Equal(t, afterSecond.Version, stored.Version)
}

func TestApplyDelete_RechecksAfterConflict(t *testing.T) {
	mockStore := new(storemocks.MockStore)
	f := setupServiceWithStore(t, mockStore, service.Options{})

	pending := models.Document{
		Id:          "d1",
		OwnerUserId: ownerId,
		Payload:     models.ContractBody{},
		Signers:     []models.Signer{{Id: "a"}},
		Status:      models.StatusPending,
		Version:     1,
	}
	completed := pending.Clone()
	completed.Version = 2
	completed.Signers[0].Signed = true
	completed.Signers[0].SignatureData = mustParse(t, typedSig)
	completed.Status = models.StatusSigned

	mockStore.On("GetDocument", mock.Anything, "d1").Return(pending, nil).Once()
	mockStore.On("DeleteDocument", mock.Anything, "d1", int64(1)).Return(store.ErrConditionFailed).Once()
	mockStore.On("GetDocument", mock.Anything, "d1").Return(completed, nil).Once()

	err := f.svc.ApplyDelete(context.Background(), "d1", owner)
	assert.ErrorIs(t, err, service.ErrFullySigned)
	mockStore.AssertNumberOfCalls(t, "DeleteDocument", 1)
}

func TestListDocuments(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	mine := newReceipt(t, f, owner)
	newReceipt(t, f, stranger)
	newReceipt(t, f, models.Anonymous)

	all, err := f.svc.ListDocuments(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	owned, err := f.svc.ListDocuments(ctx, owner)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, mine.Id, owned[0].Id)

	none, err := f.svc.ListDocuments(ctx, models.Anonymous)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestGetDocument_CacheHit(t *testing.T) {
	f := setupService(t)
	doc := newReceipt(t, f, owner)

	data, err := doc.MarshalJSON()
	require.NoError(t, err)

	// Replace the default miss with a hit
	f.cache.ExpectedCalls = nil
	f.cache.On("GetDocument", mock.Anything, doc.Id).Return(data, true, nil).Once()

	got, err := f.svc.GetDocument(context.Background(), doc.Id)
	require.NoError(t, err)
	assert.Equal(t, doc.Id, got.Id)
	assert.Equal(t, doc.Title(), got.Title())
	f.cache.AssertNotCalled(t, "SetDocument", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestGetDocument_LateFillAfterTransition(t *testing.T) {
	ctx := context.Background()
	docCache := cachememory.NewMemorySignLinkCache(zap.NewNop())
	svc, err := service.NewService(storememory.NewMemorySignLinkStore(), docCache, nil, nil, nil, jwtSecret, service.Options{}, zap.NewNop())
	require.NoError(t, err)

	doc, err := svc.CreateDocument(ctx, owner, service.CreateDocumentInput{
		Payload: models.ReceiptData{Title: "Deposit", SenderName: "A", ReceiverName: "B"},
	})
	require.NoError(t, err)

	// A reader missed the cache and loaded the pending document from the store
	snapshot, err := doc.MarshalJSON()
	require.NoError(t, err)

	// Both parties sign while that read is still in flight
	_, _, err = svc.ApplySignature(ctx, doc.Id, service.SignerTarget{Role: models.PartySender}, []byte(typedSig))
	require.NoError(t, err)
	_, completed, err := svc.ApplySignature(ctx, doc.Id, service.SignerTarget{Role: models.PartyReceiver}, []byte(drawnSig))
	require.NoError(t, err)
	require.True(t, completed)

	// The slow reader's fill lands after the invalidation
	require.NoError(t, docCache.SetDocument(ctx, doc.Id, doc.Version, snapshot))

	got, err := svc.GetDocument(ctx, doc.Id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSigned, got.Status)
	assert.Equal(t, doc.Version+2, got.Version)

	// The fresh read is what got cached
	data, ok, err := docCache.GetDocument(ctx, doc.Id)
	require.NoError(t, err)
	require.True(t, ok)
	var cached models.Document
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, models.StatusSigned, cached.Status)
}
