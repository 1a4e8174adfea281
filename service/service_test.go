package service_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	cachemocks "github.com/zlnvch/signlink/cache/mocks"
	"github.com/zlnvch/signlink/models"
	mqmocks "github.com/zlnvch/signlink/mq/mocks"
	"github.com/zlnvch/signlink/service"
	"github.com/zlnvch/signlink/signature"
	"github.com/zlnvch/signlink/store"
	"github.com/zlnvch/signlink/store/memory"
	"github.com/zlnvch/signlink/worker"
)

const (
	adminPassword = "correct horse battery staple"
	ownerId       = "owner-1"
)

var (
	owner     = models.Caller{Kind: models.CallerUser, UserId: ownerId}
	stranger  = models.Caller{Kind: models.CallerUser, UserId: "someone-else"}
	admin     = models.Caller{Kind: models.CallerAdmin, UserId: "admin-1"}
	jwtSecret = []byte(strings.Repeat("s", 32))
)

type published struct {
	channel string
	data    []byte
}

type fixture struct {
	svc       *service.Service
	store     store.SignLinkStore
	cache     *cachemocks.MockCache
	mq        *mqmocks.MockMQ
	batcher   *worker.AuditBatcher
	published chan published
}

func setupService(t *testing.T) *fixture {
	return setupServiceWithStore(t, memory.NewMemorySignLinkStore(), service.Options{})
}

// setupServiceWithStore wires the service to a real audit batcher that is
// never run, so tests read recorded events straight off its channel. Cache
// reads always miss.
func setupServiceWithStore(t *testing.T, signLinkStore store.SignLinkStore, options service.Options) *fixture {
	t.Helper()

	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockMQ)
	batcher := worker.NewAuditBatcher(signLinkStore, 1000, zap.NewNop())

	pub := make(chan published, 256)
	mockCache.On("GetDocument", mock.Anything, mock.Anything).Return(nil, false, nil).Maybe()
	mockCache.On("SetDocument", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mockCache.On("InvalidateDocument", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mockCache.On("Publish", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			select {
			case pub <- published{channel: args.String(1), data: args.Get(2).([]byte)}:
			default:
			}
		}).
		Return(nil).Maybe()

	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	require.NoError(t, err)

	if options.AdminIdentities == nil {
		options.AdminIdentities = []string{"github:42"}
	}
	options.AdminPasswordHash = hash

	svc, err := service.NewService(
		signLinkStore,
		mockCache,
		mockMQ,
		batcher,
		nil,
		jwtSecret,
		options,
		zap.NewNop(),
	)
	require.NoError(t, err)

	return &fixture{
		svc:       svc,
		store:     signLinkStore,
		cache:     mockCache,
		mq:        mockMQ,
		batcher:   batcher,
		published: pub,
	}
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	call.Run(func(args mock.Arguments) {
		close(done)
	})
	return done
}

// auditTypes drains whatever the service has enqueued so far.
func auditTypes(f *fixture) []models.AuditEventType {
	var out []models.AuditEventType
	for {
		select {
		case event := <-f.batcher.WriteCh:
			out = append(out, event.Type)
		default:
			return out
		}
	}
}

func nextEvent(t *testing.T, f *fixture) (string, service.DocumentEvent) {
	t.Helper()
	select {
	case p := <-f.published:
		var event service.DocumentEvent
		require.NoError(t, json.Unmarshal(p.data, &event))
		return p.channel, event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Publish")
		return "", service.DocumentEvent{}
	}
}

const (
	drawnSig  = `{"type":"drawn","strokes":[[{"x":10,"y":10,"t":0},{"x":40,"y":25,"t":16}]]}`
	typedSig  = `{"type":"typed","text":"Le Van C","font":"Dancing Script"}`
	emptySig  = `{"type":"drawn","strokes":[[],[]]}`
	legacySig = `[[{"x":0,"y":0,"timestamp":0},{"x":5,"y":5,"timestamp":10}]]`
)

func newContract(t *testing.T, f *fixture, caller models.Caller, signerIds ...string) models.Document {
	t.Helper()
	signers := make([]models.Signer, len(signerIds))
	for i, id := range signerIds {
		signers[i] = models.Signer{Id: id, Role: "Party " + id, Name: "Signer " + id}
	}
	doc, err := f.svc.CreateDocument(context.Background(), caller, service.CreateDocumentInput{
		Payload: models.ContractBody{Title: "Service agreement", ContractNumber: "HD-2026-01", Content: "..."},
		Signers: signers,
	})
	require.NoError(t, err)
	return doc
}

func newReceipt(t *testing.T, f *fixture, caller models.Caller) models.Document {
	t.Helper()
	doc, err := f.svc.CreateDocument(context.Background(), caller, service.CreateDocumentInput{
		Payload: models.ReceiptData{Title: "Deposit", SenderName: "A", ReceiverName: "B", Amount: 500000, Currency: "VND"},
	})
	require.NoError(t, err)
	return doc
}

func mustParse(t *testing.T, raw string) *signature.Signature {
	t.Helper()
	sig, err := signature.Parse([]byte(raw))
	require.NoError(t, err)
	return &sig
}

func sign(t *testing.T, f *fixture, id string, target service.SignerTarget, raw string) (models.Document, bool) {
	t.Helper()
	doc, completed, err := f.svc.ApplySignature(context.Background(), id, target, []byte(raw))
	require.NoError(t, err)
	return doc, completed
}
