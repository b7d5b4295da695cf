package server

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/webhooks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const testDashboardURL = "https://logbook.example.com/dash"

type stubDispatcher struct {
	mu         sync.Mutex
	deliveries []webhooks.Delivery
	response   webhooks.Response
}

func (d *stubDispatcher) Dispatch(_ context.Context, delivery webhooks.Delivery) webhooks.Response {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, delivery)
	return d.response
}

type stubInstallations struct {
	installErr   error
	scanErr      error
	scanResult   changelogs.ScanResult
	installCalls []changelogs.InstallationID
	scanCalls    []changelogs.InstallationID
	accounts     []changelogs.AccountID
}

func (s *stubInstallations) Install(_ context.Context, accountID changelogs.AccountID, installationID changelogs.InstallationID) (changelogs.Installation, error) {
	s.installCalls = append(s.installCalls, installationID)
	s.accounts = append(s.accounts, accountID)
	if s.installErr != nil {
		return changelogs.Installation{}, s.installErr
	}
	return changelogs.Installation{AccountID: accountID.String(), GitHubInstallationID: installationID.Int64()}, nil
}

func (s *stubInstallations) ScanInstallation(_ context.Context, installationID changelogs.InstallationID) (changelogs.ScanResult, error) {
	s.scanCalls = append(s.scanCalls, installationID)
	return s.scanResult, s.scanErr
}

type stubReactions struct {
	reactions changelogs.Reactions
	err       error
	versionID string
	reaction  string
}

func (s *stubReactions) AddReaction(_ context.Context, versionID string, reaction string) (changelogs.Reactions, error) {
	s.versionID = versionID
	s.reaction = reaction
	return s.reactions, s.err
}

type stubSessions struct {
	session auth.Session
	err     error
}

func (s *stubSessions) ValidateRequest(*http.Request) (auth.Session, error) {
	return s.session, s.err
}

type handlerFixture struct {
	handler       http.Handler
	dispatcher    *stubDispatcher
	installations *stubInstallations
	reactions     *stubReactions
	sessions      *stubSessions
	bus           *notify.LocalBus
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fixture := &handlerFixture{
		dispatcher:    &stubDispatcher{},
		installations: &stubInstallations{},
		reactions:     &stubReactions{},
		sessions:      &stubSessions{session: auth.Session{AccountID: "account-1"}},
		bus:           notify.NewLocalBus(),
	}
	handler, err := NewHTTPHandler(Dependencies{
		Webhooks:      fixture.dispatcher,
		Installations: fixture.installations,
		Reactions:     fixture.reactions,
		Sessions:      fixture.sessions,
		Releases:      fixture.bus,
		DashboardURL:  testDashboardURL,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}
