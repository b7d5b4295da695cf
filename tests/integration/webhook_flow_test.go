package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/database"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/keepachangelog"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/server"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/webhooks"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	webhookSecret        = "integration-webhook-secret"
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "app_session"
	sessionIssuer        = "tauth"
	sessionAccountID     = "account-abc"
	dashboardURL         = "https://logbook.example.com/dash"
	changelogPath        = "CHANGELOG.md"
	jsonContentType      = "application/json"

	initialChangelog = "# Changelog\n\n## [1.0.0] - 2024-01-01\n\n- first release\n"
	updatedChangelog = "# Changelog\n\n## [1.1.0] - 2024-02-01\n\n- second release\n\n## [1.0.0] - 2024-01-01\n\n- first release\n"
)

type memoryProvider struct {
	mu           sync.Mutex
	files        map[string]string
	repositories []changelogs.RepositoryRef
}

func (p *memoryProvider) FetchFile(_ context.Context, _ changelogs.InstallationID, repository changelogs.RepositoryRef, _ string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content, ok := p.files[repository.FullName()]
	if !ok {
		return nil, changelogs.ErrFileNotFound
	}
	return []byte(content), nil
}

func (p *memoryProvider) ListRepositories(context.Context, changelogs.InstallationID) ([]changelogs.RepositoryRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]changelogs.RepositoryRef(nil), p.repositories...), nil
}

func (p *memoryProvider) setFile(fullName, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[fullName] = content
}

type integrationStack struct {
	server   *httptest.Server
	db       *gorm.DB
	provider *memoryProvider
	bus      *notify.LocalBus
}

func newIntegrationStack(testContext *testing.T) *integrationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Path:   fmt.Sprintf("file:integration_%d?mode=memory&cache=shared", time.Now().UnixNano()),
	}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	provider := &memoryProvider{
		files: map[string]string{"acme/api": initialChangelog},
		repositories: []changelogs.RepositoryRef{
			{ID: 7, Owner: "acme", Name: "api"},
			{ID: 8, Owner: "acme", Name: "no-changelog"},
		},
	}
	bus := notify.NewLocalBus()

	service, err := changelogs.NewService(changelogs.ServiceConfig{
		Database:      db,
		Provider:      provider,
		Parser:        keepachangelog.NewParser(),
		Publisher:     bus,
		ChangelogPath: changelogPath,
		IDProvider:    changelogs.NewUUIDProvider(),
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build changelog service: %v", err)
	}
	dispatcher, err := webhooks.NewDispatcher(webhooks.DispatcherConfig{
		Verifier:      webhooks.NewVerifier(webhookSecret),
		Engine:        service,
		ChangelogPath: changelogPath,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build dispatcher: %v", err)
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session validator: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Webhooks:      dispatcher,
		Installations: service,
		Reactions:     service,
		Sessions:      sessions,
		Releases:      bus,
		DashboardURL:  dashboardURL,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return &integrationStack{server: testServer, db: db, provider: provider, bus: bus}
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func mustMintSessionToken(testContext *testing.T, accountID string, issuedAt time.Time) string {
	testContext.Helper()
	claims := auth.SessionClaims{
		UserID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sessionIssuer,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(sessionSigningSecret))
	if err != nil {
		testContext.Fatalf("failed to sign session token: %v", err)
	}
	return signed
}

func (s *integrationStack) deliver(testContext *testing.T, eventType, body string) (int, map[string]any) {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodPost, s.server.URL+"/api/webhooks/github", strings.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build webhook request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("X-GitHub-Event", eventType)
	request.Header.Set("X-GitHub-Delivery", fmt.Sprintf("delivery-%d", time.Now().UnixNano()))
	request.Header.Set("X-Hub-Signature-256", webhooks.ComputeSignature(webhookSecret, []byte(body)))
	return doJSON(testContext, http.DefaultClient, request)
}

func doJSON(testContext *testing.T, client *http.Client, request *http.Request) (int, map[string]any) {
	testContext.Helper()
	response, err := client.Do(request)
	if err != nil {
		testContext.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var payload map[string]any
	if response.Header.Get("Content-Type") != "" && strings.HasPrefix(response.Header.Get("Content-Type"), jsonContentType) {
		if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
			testContext.Fatalf("failed to decode response: %v", err)
		}
	}
	return response.StatusCode, payload
}

func countRows(testContext *testing.T, db *gorm.DB, model any) int64 {
	testContext.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count rows: %v", err)
	}
	return count
}

const pushBody = `{
	"ref": "refs/heads/main",
	"installation": {"id": 100},
	"repository": {"id": 7, "name": "api", "full_name": "acme/api", "owner": {"login": "acme"}},
	"head_commit": {"id": "abc123", "modified": ["CHANGELOG.md"], "added": [], "removed": []}
}`

func TestInstallSyncReactAndUninstallFlow(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	callbackRequest, err := http.NewRequest(http.MethodGet, stack.server.URL+"/api/github/callback?installation_id=100&setup_action=install", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build callback request: %v", err)
	}
	callbackRequest.AddCookie(&http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(testContext, sessionAccountID, time.Now())})
	status, _ := doJSON(testContext, noRedirectClient(), callbackRequest)
	if status != http.StatusFound {
		testContext.Fatalf("expected install redirect, got %d", status)
	}
	if count := countRows(testContext, stack.db, &changelogs.Changelog{}); count != 1 {
		testContext.Fatalf("expected one tracked changelog after install, got %d", count)
	}
	if count := countRows(testContext, stack.db, &changelogs.Version{}); count != 1 {
		testContext.Fatalf("expected one version after install, got %d", count)
	}

	stack.provider.setFile("acme/api", updatedChangelog)
	streamCtx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	releases, _ := stack.bus.Subscribe(streamCtx, "acme", "api")

	status, payload := stack.deliver(testContext, "push", pushBody)
	if status != http.StatusOK || payload["newVersions"] != float64(1) {
		testContext.Fatalf("unexpected push response %d %#v", status, payload)
	}
	select {
	case message := <-releases:
		if len(message.Versions) != 1 || message.Versions[0] != "1.1.0" {
			testContext.Fatalf("unexpected release message %#v", message)
		}
	case <-time.After(2 * time.Second):
		testContext.Fatalf("expected a release notification")
	}

	status, payload = stack.deliver(testContext, "push", pushBody)
	if status != http.StatusOK || payload["newVersions"] != float64(0) {
		testContext.Fatalf("expected replayed push to insert nothing, got %d %#v", status, payload)
	}
	if count := countRows(testContext, stack.db, &changelogs.Version{}); count != 2 {
		testContext.Fatalf("expected two versions, got %d", count)
	}

	var version changelogs.Version
	if err := stack.db.Where("version = ?", "1.1.0").Take(&version).Error; err != nil {
		testContext.Fatalf("failed to load version: %v", err)
	}
	reactionRequest, err := http.NewRequest(http.MethodPost, stack.server.URL+"/api/versions/"+version.ID+"/reactions", strings.NewReader(`{"reaction":"🚀"}`))
	if err != nil {
		testContext.Fatalf("failed to build reaction request: %v", err)
	}
	reactionRequest.Header.Set("Content-Type", jsonContentType)
	status, payload = doJSON(testContext, http.DefaultClient, reactionRequest)
	reactions, _ := payload["reactions"].(map[string]any)
	if status != http.StatusOK || reactions["🚀"] != float64(1) {
		testContext.Fatalf("unexpected reaction response %d %#v", status, payload)
	}

	status, payload = stack.deliver(testContext, "installation", `{"action":"deleted","installation":{"id":100}}`)
	if status != http.StatusOK || payload["message"] != "Installation cleanup completed" {
		testContext.Fatalf("unexpected uninstall response %d %#v", status, payload)
	}
	for _, model := range []any{&changelogs.Installation{}, &changelogs.Changelog{}, &changelogs.Version{}} {
		if count := countRows(testContext, stack.db, model); count != 0 {
			testContext.Fatalf("expected cascade to remove %T rows, %d remain", model, count)
		}
	}

	status, payload = stack.deliver(testContext, "push", pushBody)
	if status != http.StatusNotFound || payload["error"] != "Changelog not found in database" {
		testContext.Fatalf("expected push after uninstall to report not found, got %d %#v", status, payload)
	}
}

func TestWebhookRejectsUnsignedDeliveries(testContext *testing.T) {
	stack := newIntegrationStack(testContext)

	request, err := http.NewRequest(http.MethodPost, stack.server.URL+"/api/webhooks/github", strings.NewReader(pushBody))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("X-GitHub-Event", "push")
	status, payload := doJSON(testContext, http.DefaultClient, request)
	if status != http.StatusUnauthorized || payload["error"] != "No signature provided" {
		testContext.Fatalf("unexpected response %d %#v", status, payload)
	}

	request, err = http.NewRequest(http.MethodPost, stack.server.URL+"/api/webhooks/github", strings.NewReader(pushBody))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("X-GitHub-Event", "push")
	request.Header.Set("X-Hub-Signature-256", webhooks.ComputeSignature("wrong-secret", []byte(pushBody)))
	status, payload = doJSON(testContext, http.DefaultClient, request)
	if status != http.StatusUnauthorized || payload["error"] != "Invalid signature" {
		testContext.Fatalf("unexpected response %d %#v", status, payload)
	}
}

func TestRepositoryRemovalKeepsOtherChangelogs(testContext *testing.T) {
	stack := newIntegrationStack(testContext)
	stack.provider.setFile("acme/web", initialChangelog)
	stack.provider.repositories = append(stack.provider.repositories, changelogs.RepositoryRef{ID: 9, Owner: "acme", Name: "web"})

	callbackRequest, err := http.NewRequest(http.MethodGet, stack.server.URL+"/api/github/callback?installation_id=100", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to build callback request: %v", err)
	}
	callbackRequest.AddCookie(&http.Cookie{Name: sessionCookieName, Value: mustMintSessionToken(testContext, sessionAccountID, time.Now())})
	if status, _ := doJSON(testContext, noRedirectClient(), callbackRequest); status != http.StatusFound {
		testContext.Fatalf("expected install redirect, got %d", status)
	}
	if count := countRows(testContext, stack.db, &changelogs.Changelog{}); count != 2 {
		testContext.Fatalf("expected two changelogs, got %d", count)
	}

	body := `{"action":"removed","installation":{"id":100},"repositories_removed":[{"id":7,"name":"api","full_name":"acme/api"}],"repositories_added":[]}`
	status, payload := stack.deliver(testContext, "installation_repositories", body)
	if status != http.StatusOK || payload["message"] != "Repository removal cleanup completed" {
		testContext.Fatalf("unexpected removal response %d %#v", status, payload)
	}

	var remaining []string
	if err := stack.db.Model(&changelogs.Changelog{}).Pluck("name", &remaining).Error; err != nil {
		testContext.Fatalf("failed to list changelogs: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "web" {
		testContext.Fatalf("unexpected remaining changelogs %v", remaining)
	}
	if count := countRows(testContext, stack.db, &changelogs.Installation{}); count != 1 {
		testContext.Fatalf("expected installation to survive repository removal")
	}
}
