package service

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/zlnvch/signlink/cache"
	"github.com/zlnvch/signlink/mq"
	"github.com/zlnvch/signlink/store"
	"github.com/zlnvch/signlink/worker"
)

type Options struct {
	// MaxUpdateAttempts bounds the read-modify-write retries of one
	// transition before it fails with ErrStoreConflict.
	MaxUpdateAttempts int

	// "provider:providerId" pairs whose OAuth logins are admins.
	AdminIdentities   []string
	AdminPasswordHash []byte

	LoginMaxAttempts int
	LoginWindow      time.Duration
	LoginLockout     time.Duration

	TokenTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxUpdateAttempts <= 0 {
		o.MaxUpdateAttempts = 10
	}
	if o.LoginMaxAttempts <= 0 {
		o.LoginMaxAttempts = 5
	}
	if o.LoginWindow <= 0 {
		o.LoginWindow = 15 * time.Minute
	}
	if o.LoginLockout <= 0 {
		o.LoginLockout = 15 * time.Minute
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = 24 * time.Hour
	}
	return o
}

type Service struct {
	Store        store.SignLinkStore
	Cache        cache.SignLinkCache
	MQ           mq.MessageQueue
	AuditBatcher *worker.AuditBatcher
	OAuthConfigs map[string]*oauth2.Config
	JWTSecret    []byte
	Options      Options
	Logger       *zap.Logger

	adminIdentities map[string]struct{}
}

func NewService(
	store store.SignLinkStore,
	cache cache.SignLinkCache,
	mq mq.MessageQueue,
	auditBatcher *worker.AuditBatcher,
	oauthConfigs map[string]*oauth2.Config,
	jwtSecret []byte,
	options Options,
	logger *zap.Logger,
) (*Service, error) {
	oauthConfigs, err := addOauthEndpointsAndScopes(oauthConfigs)
	if err != nil {
		return nil, err
	}

	options = options.withDefaults()
	adminIdentities := make(map[string]struct{}, len(options.AdminIdentities))
	for _, identity := range options.AdminIdentities {
		adminIdentities[identity] = struct{}{}
	}

	return &Service{
		Store:           store,
		Cache:           cache,
		MQ:              mq,
		AuditBatcher:    auditBatcher,
		OAuthConfigs:    oauthConfigs,
		JWTSecret:       jwtSecret,
		Options:         options,
		Logger:          logger,
		adminIdentities: adminIdentities,
	}, nil
}

func now() time.Time {
	return time.Now().UTC()
}
