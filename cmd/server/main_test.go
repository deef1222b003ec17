package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/api/idtoken"

	"github.com/tyemirov/rideauth/internal/authkit"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  string
	testKeyErr  error
)

func signingKeyPEM(t *testing.T) string {
	t.Helper()
	testKeyOnce.Do(func() {
		var key *rsa.PrivateKey
		key, testKeyErr = rsa.GenerateKey(rand.Reader, 2048)
		if testKeyErr != nil {
			return
		}
		testKeyPEM = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}))
	})
	if testKeyErr != nil {
		t.Fatalf("failed to generate signing key: %v", testKeyErr)
	}
	return testKeyPEM
}

func setValidConfig(t *testing.T) {
	t.Helper()
	viper.Set("listen_addr", ":0")
	viper.Set("identity_client_id", "client")
	viper.Set("jwt_private_key", signingKeyPEM(t))
	viper.Set("jwt_issuer", "rideauth-test")
	viper.Set("access_ttl", time.Minute)
	viper.Set("refresh_ttl", time.Hour)
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	core, observed := observer.New(zapcore.InfoLevel)
	router := gin.New()
	router.Use(zapLoggerMiddleware(zap.New(core)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
	entries := observed.FilterField(zap.String("code", "http.request")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one request log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["path"] != "/ping" {
		t.Fatalf("unexpected logged path: %v", entries[0].ContextMap()["path"])
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigFailures(t *testing.T) {
	testCases := []struct {
		name            string
		mutate          func()
		expectedMessage string
	}{
		{
			name:            "missing identity client id",
			mutate:          func() { viper.Set("identity_client_id", "") },
			expectedMessage: "config.missing_identity_client_id: identity_client_id must be provided",
		},
		{
			name:            "missing private key",
			mutate:          func() { viper.Set("jwt_private_key", "") },
			expectedMessage: "config.missing_jwt_private_key: jwt_private_key or jwt_private_key_file must be provided",
		},
		{
			name:            "invalid private key",
			mutate:          func() { viper.Set("jwt_private_key", "not a pem") },
			expectedMessage: "config.invalid_jwt_private_key: jwt private key must be a PEM encoded RSA key",
		},
		{
			name:            "missing issuer",
			mutate:          func() { viper.Set("jwt_issuer", " ") },
			expectedMessage: "config.missing_jwt_issuer: jwt_issuer must be provided",
		},
		{
			name:            "non-positive access ttl",
			mutate:          func() { viper.Set("access_ttl", 0) },
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			mutate:          func() { viper.Set("refresh_ttl", -time.Second) },
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "negative clock skew",
			mutate:          func() { viper.Set("clock_skew", -time.Second) },
			expectedMessage: "config.invalid_clock_skew: clock_skew must not be negative",
		},
		{
			name:            "unknown database driver",
			mutate:          func() { viper.Set("database_driver", "mysql") },
			expectedMessage: "config.invalid_database_driver: database_driver must be gorm or pgx",
		},
		{
			name:            "pgx without database url",
			mutate:          func() { viper.Set("database_driver", "pgx") },
			expectedMessage: "config.missing_database_url: database_url must be provided when database_driver is pgx",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resetViper(t)
			setValidConfig(t)
			testCase.mutate()

			_, err := LoadServerConfig()
			if err == nil {
				t.Fatalf("expected configuration error")
			}
			if err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %q", testCase.expectedMessage, err.Error())
			}
		})
	}
}

func TestLoadServerConfigDefaultsAndKeyFile(t *testing.T) {
	resetViper(t)
	setValidConfig(t)
	viper.Set("jwt_private_key", "")
	keyPath := filepath.Join(t.TempDir(), "signing.pem")
	if err := os.WriteFile(keyPath, []byte(signingKeyPEM(t)), 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	viper.Set("jwt_private_key_file", keyPath)
	viper.Set("bootstrap_admin_name", "Root")
	viper.Set("bootstrap_admin_email", "root@example.com")

	settings, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if settings.Auth.SigningKey == nil {
		t.Fatalf("expected signing key to be parsed")
	}
	if settings.Auth.VerifierTimeout != authkit.DefaultVerifierTimeout || settings.Auth.StoreTimeout != authkit.DefaultStoreTimeout {
		t.Fatalf("expected default timeouts, got %v and %v", settings.Auth.VerifierTimeout, settings.Auth.StoreTimeout)
	}
	if settings.DatabaseDriver != databaseDriverGORM {
		t.Fatalf("expected gorm driver by default, got %q", settings.DatabaseDriver)
	}
	if len(settings.Auth.IdentityIssuers) != len(authkit.DefaultGoogleIssuers) {
		t.Fatalf("expected default issuers, got %v", settings.Auth.IdentityIssuers)
	}
	if settings.Auth.RoleBootstrap.Resolve("Root", "ROOT@example.com") != authkit.RoleAdmin {
		t.Fatalf("expected bootstrap admin to be configured")
	}

	viper.Set("jwt_private_key_file", filepath.Join(t.TempDir(), "missing.pem"))
	if _, missingErr := LoadServerConfig(); missingErr == nil || !strings.HasPrefix(missingErr.Error(), "config.unreadable_jwt_private_key") {
		t.Fatalf("expected unreadable key error, got %v", missingErr)
	}
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})
	defer restoreServe()

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})
	defer restoreValidator()

	setValidConfig(t)
	command := preparedCommand(t)

	if err := runServer(command, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerRejectsCORSWithoutOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		t.Fatalf("server must not start")
		return nil
	})
	defer restoreServe()
	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return stubGoogleValidator{}, nil
	})
	defer restoreValidator()

	setValidConfig(t)
	viper.Set("enable_cors", true)
	command := preparedCommand(t)

	if err := runServer(command, nil); err == nil || !strings.HasPrefix(err.Error(), "config.cors") {
		t.Fatalf("expected cors configuration error, got %v", err)
	}
}

func TestRunServerSQLiteEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return stubGoogleValidator{}, nil
	})
	defer restoreValidator()

	served := false
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		served = true
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}

		register := httptest.NewRecorder()
		registerRequest := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"username":"Rider","phone":"+15550100"}`))
		registerRequest.Header.Set("Authorization", "Bearer identity-assertion")
		registerRequest.Header.Set("Content-Type", "application/json")
		registerRequest.Header.Set("Origin", "http://localhost:3000")
		server.Handler.ServeHTTP(register, registerRequest)
		if register.Code != http.StatusOK {
			t.Fatalf("expected register to succeed, got %d (%s)", register.Code, register.Body.String())
		}
		if register.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
			t.Fatalf("expected cors headers on configured origin")
		}

		health := httptest.NewRecorder()
		server.Handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if health.Code != http.StatusOK {
			t.Fatalf("expected healthz 200, got %d", health.Code)
		}

		metrics := httptest.NewRecorder()
		server.Handler.ServeHTTP(metrics, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if metrics.Code != http.StatusOK {
			t.Fatalf("expected metrics 200, got %d", metrics.Code)
		}
		if !strings.Contains(metrics.Body.String(), `rideauth_auth_events_total{event="auth.register.success"} 1`) {
			t.Fatalf("expected register counter in metrics output:\n%s", metrics.Body.String())
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig(t)
	viper.Set("database_url", "sqlite://"+filepath.Join(t.TempDir(), "auth.db"))
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:3000"})
	command := preparedCommand(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	if !served {
		t.Fatalf("expected server to be started")
	}
}

func TestRunServerInMemoryWithRedisRefreshStore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	redisServer := miniredis.RunT(t)
	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return stubGoogleValidator{}, nil
	})
	defer restoreValidator()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		register := httptest.NewRecorder()
		registerRequest := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"username":"Rider"}`))
		registerRequest.Header.Set("Authorization", "Bearer identity-assertion")
		registerRequest.Header.Set("Content-Type", "application/json")
		server.Handler.ServeHTTP(register, registerRequest)
		if register.Code != http.StatusOK {
			t.Fatalf("expected register to succeed, got %d (%s)", register.Code, register.Body.String())
		}
		if len(redisServer.Keys()) == 0 {
			t.Fatalf("expected refresh state in redis")
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig(t)
	viper.Set("redis_url", "redis://"+redisServer.Addr()+"/0")
	viper.Set("redis_key_prefix", "test:rt:")
	command := preparedCommand(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed with redis refresh store, got %v", err)
	}
}

type recordingIdentityRevoker struct {
	mutex    sync.Mutex
	subjects []string
}

func (revoker *recordingIdentityRevoker) RevokeIdentity(ctx context.Context, subjectID string) error {
	revoker.mutex.Lock()
	defer revoker.mutex.Unlock()
	revoker.subjects = append(revoker.subjects, subjectID)
	return nil
}

func withIdentityRevokerBuilderStub(stub func(ctx context.Context, projectID string) (authkit.IdentityRevoker, error)) func() {
	previous := buildIdentityRevoker
	buildIdentityRevoker = stub
	return func() {
		buildIdentityRevoker = previous
	}
}

func TestRunServerAccountDeletionRevokesIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return stubGoogleValidator{}, nil
	})
	defer restoreValidator()

	revoker := &recordingIdentityRevoker{}
	requestedProject := ""
	restoreRevoker := withIdentityRevokerBuilderStub(func(ctx context.Context, projectID string) (authkit.IdentityRevoker, error) {
		requestedProject = projectID
		return revoker, nil
	})
	defer restoreRevoker()

	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		register := httptest.NewRecorder()
		registerRequest := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(`{"username":"Rider"}`))
		registerRequest.Header.Set("Authorization", "Bearer identity-assertion")
		registerRequest.Header.Set("Content-Type", "application/json")
		server.Handler.ServeHTTP(register, registerRequest)
		if register.Code != http.StatusOK {
			t.Fatalf("expected register to succeed, got %d (%s)", register.Code, register.Body.String())
		}
		var tokens authkit.TokenPairResponse
		if err := json.Unmarshal(register.Body.Bytes(), &tokens); err != nil {
			t.Fatalf("failed to decode register response: %v", err)
		}

		deletion := httptest.NewRecorder()
		deleteRequest := httptest.NewRequest(http.MethodDelete, "/users/google-subject-1", nil)
		deleteRequest.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		server.Handler.ServeHTTP(deletion, deleteRequest)
		if deletion.Code != http.StatusNoContent {
			t.Fatalf("expected delete to succeed, got %d (%s)", deletion.Code, deletion.Body.String())
		}
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig(t)
	viper.Set("identity_platform_project", " rides-project ")
	command := preparedCommand(t)

	if err := runServer(command, nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	if requestedProject != "rides-project" {
		t.Fatalf("expected revoker for rides-project, got %q", requestedProject)
	}
	if len(revoker.subjects) != 1 || revoker.subjects[0] != "google-subject-1" {
		t.Fatalf("expected identity revocation for google-subject-1, got %v", revoker.subjects)
	}
}

func TestRunServerIdentityRevokerInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return stubGoogleValidator{}, nil
	})
	defer restoreValidator()
	restoreRevoker := withIdentityRevokerBuilderStub(func(ctx context.Context, projectID string) (authkit.IdentityRevoker, error) {
		return nil, errors.New("credentials unavailable")
	})
	defer restoreRevoker()

	setValidConfig(t)
	viper.Set("identity_platform_project", "rides-project")
	command := preparedCommand(t)

	err := runServer(command, nil)
	if err == nil || !strings.HasPrefix(err.Error(), "config.identity_revoker_init") {
		t.Fatalf("expected identity revoker init error, got %v", err)
	}
}

func TestRunServerStorageInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	resetViper(t)

	restoreValidator := withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return stubGoogleValidator{}, nil
	})
	defer restoreValidator()

	setValidConfig(t)
	viper.Set("database_url", "mysql://localhost/db")
	command := preparedCommand(t)

	err := runServer(command, nil)
	if err == nil || !errors.Is(err, authkit.ErrUnsupportedDialect) {
		t.Fatalf("expected unsupported dialect error, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "config.storage_init") {
		t.Fatalf("expected storage init code, got %q", err.Error())
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	resetViper(t)
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func preparedCommand(t *testing.T) *cobra.Command {
	t.Helper()
	command := &cobra.Command{}
	command.SetContext(context.Background())
	if err := prepareServerConfig(command, nil); err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

type stubGoogleValidator struct{}

func (stubGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	if token != "identity-assertion" || audience != "client" {
		return nil, errors.New("unexpected assertion")
	}
	return &idtoken.Payload{
		Issuer:   "https://accounts.google.com",
		Audience: audience,
		Subject:  "google-subject-1",
		Expires:  time.Now().Add(time.Hour).Unix(),
		Claims: map[string]interface{}{
			"email":          "rider@example.com",
			"email_verified": true,
			"name":           "Rider",
		},
	}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}
