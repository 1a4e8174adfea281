package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/zlnvch/signlink/models"
	"github.com/zlnvch/signlink/store"
)

// Password logins are not backed by a stored user.
const (
	passwordProvider   = "password"
	passwordProviderId = "admin"
)

// Provider-specific structs
type gitHubUser struct {
	Login string `json:"login"`
	ID    int    `json:"id"`
}

type googleUser struct {
	Email string `json:"email"`
	Sub   string `json:"sub"`
}

var oauthAPIs = map[string]struct {
	URL     string
	Headers map[string]string
}{
	"github": {
		URL: "https://api.github.com/user",
		Headers: map[string]string{
			"X-GitHub-Api-Version": "2022-11-28",
		},
	},
	"google": {
		URL:     "https://openidconnect.googleapis.com/v1/userinfo",
		Headers: map[string]string{},
	},
}

var oauthConfigsTemplate = map[string]*oauth2.Config{
	"github": {
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://github.com/login/oauth/authorize",
			TokenURL: "https://github.com/login/oauth/access_token",
		},
		Scopes: []string{"read:user"},
	},
	"google": {
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{"openid", "email"},
	},
}

func addOauthEndpointsAndScopes(oauthConfigs map[string]*oauth2.Config) (map[string]*oauth2.Config, error) {
	for provider := range oauthConfigs {
		template, ok := oauthConfigsTemplate[provider]
		if !ok {
			return nil, fmt.Errorf("unsupported provider: %s", provider)
		}
		oauthConfigs[provider].Endpoint = template.Endpoint
		oauthConfigs[provider].Scopes = template.Scopes
	}

	return oauthConfigs, nil
}

func (s *Service) HandleOauth(ctx context.Context, provider string, code string) (models.User, error) {
	conf, ok := s.OAuthConfigs[provider]
	if !ok {
		return models.User{}, fmt.Errorf("%w: unsupported provider %s", ErrInvalidInput, provider)
	}
	api, ok := oauthAPIs[provider]
	if !ok {
		return models.User{}, fmt.Errorf("%w: unsupported provider %s", ErrInvalidInput, provider)
	}

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		s.Logger.Warn("oauth code exchange failed", zap.String("provider", provider), zap.Error(err))
		return models.User{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.URL, nil)
	if err != nil {
		return models.User{}, err
	}
	for k, v := range api.Headers {
		req.Header.Set(k, v)
	}

	resp, err := conf.Client(ctx, tok).Do(req)
	if err != nil {
		s.Logger.Warn("oauth user lookup failed", zap.String("provider", provider), zap.Error(err))
		return models.User{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.User{}, fmt.Errorf("%w: %s user endpoint returned %d", ErrUnauthorized, provider, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.User{}, err
	}

	return parseUser(body, provider)
}

func parseUser(jsonData []byte, provider string) (models.User, error) {
	var u models.User
	u.Provider = provider

	switch provider {
	case "github":
		var gh gitHubUser
		if err := json.Unmarshal(jsonData, &gh); err != nil {
			return models.User{}, err
		}
		u.Username = gh.Login
		u.ProviderId = strconv.Itoa(gh.ID)
	case "google":
		var g googleUser
		if err := json.Unmarshal(jsonData, &g); err != nil {
			return models.User{}, err
		}
		u.Username = g.Email
		u.ProviderId = g.Sub
	default:
		return models.User{}, fmt.Errorf("unsupported provider: %s", provider)
	}

	if u.ProviderId == "" || u.ProviderId == "0" {
		return models.User{}, fmt.Errorf("%w: %s returned no user id", ErrUnauthorized, provider)
	}
	return u, nil
}

func (s *Service) roleFor(provider string, providerId string) models.UserRole {
	if _, ok := s.adminIdentities[provider+":"+providerId]; ok {
		return models.RoleAdmin
	}
	return models.RoleUser
}

type TokenClaims struct {
	UserId     string
	Provider   string
	ProviderId string
	Role       models.UserRole
	Expiry     time.Time
}

func (s *Service) CreateJWT(user models.User) (string, error) {
	issuedAt := time.Now()
	claims := jwt.MapClaims{
		"id":         user.Id,
		"provider":   user.Provider,
		"providerId": user.ProviderId,
		"role":       string(user.Role),
		"exp":        issuedAt.Add(s.Options.TokenTTL).Unix(),
		"iat":        issuedAt.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.JWTSecret)
}

func (s *Service) VerifyJWT(tokenString string) (TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return s.JWTSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return TokenClaims{}, err
	}

	if !token.Valid {
		return TokenClaims{}, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return TokenClaims{}, errors.New("invalid token claims")
	}

	var out TokenClaims
	for name, dst := range map[string]*string{
		"id":         &out.UserId,
		"provider":   &out.Provider,
		"providerId": &out.ProviderId,
	} {
		v, ok := claims[name].(string)
		if !ok {
			return TokenClaims{}, fmt.Errorf("missing %s claim", name)
		}
		*dst = v
	}

	role, _ := claims["role"].(string)
	out.Role = models.UserRole(role)

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return TokenClaims{}, errors.New("missing exp claim")
	}
	out.Expiry = expiry.Time

	return out, nil
}

// AuthenticateToken resolves a bearer token into a Caller. No token means
// an anonymous link holder.
func (s *Service) AuthenticateToken(ctx context.Context, token string) (models.Caller, error) {
	if len(token) == 0 {
		return models.Anonymous, nil
	}

	claims, err := s.VerifyJWT(token)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	if claims.Provider == passwordProvider {
		if claims.Role != models.RoleAdmin || len(s.Options.AdminPasswordHash) == 0 {
			return models.Caller{}, ErrUnauthorized
		}
		return models.Caller{Kind: models.CallerAdmin, UserId: claims.UserId}, nil
	}

	user, err := s.Store.GetUser(ctx, claims.Provider, claims.ProviderId)
	if err != nil {
		if errors.Is(err, store.ErrItemNotFound) {
			return models.Caller{}, fmt.Errorf("%w: unknown user", ErrUnauthorized)
		}
		return models.Caller{}, err
	}

	// Admin rights follow the current configuration, not the token
	if s.roleFor(user.Provider, user.ProviderId) == models.RoleAdmin {
		return models.Caller{Kind: models.CallerAdmin, UserId: user.Id}, nil
	}
	return models.Caller{Kind: models.CallerUser, UserId: user.Id}, nil
}

func (s *Service) Login(ctx context.Context, provider, code string) (models.User, string, error) {
	user, err := s.HandleOauth(ctx, provider, code)
	if err != nil {
		return models.User{}, "", fmt.Errorf("oauth failed: %w", err)
	}
	user.Role = s.roleFor(user.Provider, user.ProviderId)

	createdUser, err := s.Store.CreateUser(ctx, user)
	if err != nil {
		return models.User{}, "", fmt.Errorf("create user failed: %w", err)
	}
	createdUser.Role = user.Role

	token, err := s.CreateJWT(createdUser)
	if err != nil {
		return models.User{}, "", fmt.Errorf("token generation failed: %w", err)
	}

	s.Logger.Info("user logged in",
		zap.String("user_id", createdUser.Id),
		zap.String("provider", provider),
		zap.String("role", string(createdUser.Role)))
	return createdUser, token, nil
}

// AdminLogin checks the admin password. Failures are counted per client
// key in a fixed window; reaching the limit locks the key out.
func (s *Service) AdminLogin(ctx context.Context, clientKey string, password string) (string, error) {
	if len(s.Options.AdminPasswordHash) == 0 {
		return "", ErrUnauthorized
	}

	lockedOut, err := s.Cache.IsLockedOut(ctx, clientKey)
	if err != nil {
		return "", fmt.Errorf("lockout check failed: %w", err)
	}
	if lockedOut {
		return "", ErrLockedOut
	}

	if err := bcrypt.CompareHashAndPassword(s.Options.AdminPasswordHash, []byte(password)); err != nil {
		failures, err := s.Cache.IncrementLoginFailures(ctx, clientKey, s.Options.LoginWindow)
		if err != nil {
			s.Logger.Warn("login failure count failed", zap.Error(err))
			return "", ErrUnauthorized
		}
		if failures >= int64(s.Options.LoginMaxAttempts) {
			if err := s.Cache.SetLockout(ctx, clientKey, s.Options.LoginLockout); err != nil {
				s.Logger.Warn("setting login lockout failed", zap.Error(err))
			}
			s.Logger.Warn("admin login locked out", zap.String("client", clientKey), zap.Int64("failures", failures))
			return "", ErrLockedOut
		}
		return "", ErrUnauthorized
	}

	if err := s.Cache.ResetLoginFailures(ctx, clientKey); err != nil {
		s.Logger.Debug("resetting login failures failed", zap.Error(err))
	}

	return s.CreateJWT(models.User{
		Id:         passwordProviderId,
		Provider:   passwordProvider,
		ProviderId: passwordProviderId,
		Role:       models.RoleAdmin,
	})
}
