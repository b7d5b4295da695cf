// Package githubapp talks to the GitHub REST API as a GitHub App installation.
package githubapp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL     = "https://api.github.com/"
	defaultHTTPTimeout = 30 * time.Second
	repositoriesPage   = 100
	encodingNone       = "none"
)

// ClientConfig configures the GitHub App client.
type ClientConfig struct {
	AppID         int64
	PrivateKeyPEM []byte
	// BaseURL points at the REST API root; GitHub Enterprise installs use their own host.
	BaseURL    string
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client reads repository content with per-installation access tokens.
// Installation tokens are minted on first use and reused until they expire.
type Client struct {
	baseURL   *url.URL
	transport http.RoundTripper
	timeout   time.Duration
	apps      *github.Client
	logger    *zap.Logger

	mu            sync.Mutex
	installations map[int64]*github.Client
}

// NewClient builds a Client. The private key is parsed eagerly so
// misconfiguration surfaces at startup.
func NewClient(cfg ClientConfig) (*Client, error) {
	issuer, err := auth.NewAppTokenIssuer(auth.AppTokenIssuerConfig{
		AppID:         cfg.AppID,
		PrivateKeyPEM: cfg.PrivateKeyPEM,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, err
	}

	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		rawBaseURL = defaultBaseURL
	}
	if !strings.HasSuffix(rawBaseURL, "/") {
		rawBaseURL += "/"
	}
	baseURL, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("githubapp: parse base url: %w", err)
	}

	transport := http.DefaultTransport
	timeout := defaultHTTPTimeout
	if cfg.HTTPClient != nil {
		if cfg.HTTPClient.Transport != nil {
			transport = cfg.HTTPClient.Transport
		}
		if cfg.HTTPClient.Timeout > 0 {
			timeout = cfg.HTTPClient.Timeout
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{
		baseURL:       baseURL,
		transport:     transport,
		timeout:       timeout,
		logger:        logger,
		installations: make(map[int64]*github.Client),
	}
	client.apps = client.newGitHubClient(oauth2.ReuseTokenSource(nil, appTokenSource{issuer: issuer}))
	return client, nil
}

func (c *Client) newGitHubClient(source oauth2.TokenSource) *github.Client {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: source, Base: c.transport},
		Timeout:   c.timeout,
	}
	client := github.NewClient(httpClient)
	client.BaseURL = c.baseURL
	return client
}

// appTokenSource presents the app JWT as a bearer token.
type appTokenSource struct {
	issuer *auth.AppTokenIssuer
}

func (s appTokenSource) Token() (*oauth2.Token, error) {
	signed, expiresAt, err := s.issuer.IssueAppToken()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: signed, TokenType: "Bearer", Expiry: expiresAt}, nil
}

// installationTokenSource exchanges the app JWT for an installation access token.
type installationTokenSource struct {
	apps           *github.Client
	installationID int64
	timeout        time.Duration
}

func (s installationTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	token, _, err := s.apps.Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return nil, fmt.Errorf("githubapp: create installation token: %w", err)
	}
	return &oauth2.Token{
		AccessToken: token.GetToken(),
		TokenType:   "Bearer",
		Expiry:      token.GetExpiresAt().Time,
	}, nil
}

func (c *Client) installationClient(installationID changelogs.InstallationID) *github.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.installations[installationID.Int64()]; ok {
		return client
	}
	source := oauth2.ReuseTokenSource(nil, installationTokenSource{
		apps:           c.apps,
		installationID: installationID.Int64(),
		timeout:        c.timeout,
	})
	client := c.newGitHubClient(source)
	c.installations[installationID.Int64()] = client
	return client
}

// Forget drops the cached token of an installation, for example after it was deleted.
func (c *Client) Forget(installationID changelogs.InstallationID) {
	c.mu.Lock()
	delete(c.installations, installationID.Int64())
	c.mu.Unlock()
}

// FetchFile returns the content of path in the repository's default branch.
// A missing path or a directory yields changelogs.ErrFileNotFound.
func (c *Client) FetchFile(ctx context.Context, installationID changelogs.InstallationID, repository changelogs.RepositoryRef, path string) ([]byte, error) {
	client := c.installationClient(installationID)
	file, directory, response, err := client.Repositories.GetContents(ctx, repository.Owner, repository.Name, path, nil)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s/%s", changelogs.ErrFileNotFound, repository.FullName(), path)
		}
		return nil, fmt.Errorf("githubapp: get contents %s/%s: %w", repository.FullName(), path, err)
	}
	if file == nil || directory != nil {
		return nil, fmt.Errorf("%w: %s/%s is not a file", changelogs.ErrFileNotFound, repository.FullName(), path)
	}

	// files above the contents API size limit come back without inline content
	if file.GetEncoding() == encodingNone {
		return c.download(ctx, client, repository, path)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("githubapp: decode %s/%s: %w", repository.FullName(), path, err)
	}
	return []byte(content), nil
}

func (c *Client) download(ctx context.Context, client *github.Client, repository changelogs.RepositoryRef, path string) ([]byte, error) {
	reader, _, err := client.Repositories.DownloadContents(ctx, repository.Owner, repository.Name, path, nil)
	if err != nil {
		return nil, fmt.Errorf("githubapp: download %s/%s: %w", repository.FullName(), path, err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("githubapp: read %s/%s: %w", repository.FullName(), path, err)
	}
	return raw, nil
}

// ListRepositories returns every repository the installation can access.
func (c *Client) ListRepositories(ctx context.Context, installationID changelogs.InstallationID) ([]changelogs.RepositoryRef, error) {
	client := c.installationClient(installationID)
	options := &github.ListOptions{PerPage: repositoriesPage}

	var repositories []changelogs.RepositoryRef
	for {
		page, response, err := client.Apps.ListRepos(ctx, options)
		if err != nil {
			return nil, fmt.Errorf("githubapp: list repositories: %w", err)
		}
		for _, repo := range page.Repositories {
			reference, ok := repositoryRef(repo)
			if !ok {
				c.logger.Warn("skipping repository without owner or name",
					zap.Int64("repository_id", repo.GetID()),
					zap.String("full_name", repo.GetFullName()))
				continue
			}
			repositories = append(repositories, reference)
		}
		if response.NextPage == 0 {
			break
		}
		options.Page = response.NextPage
	}
	return repositories, nil
}

func repositoryRef(repo *github.Repository) (changelogs.RepositoryRef, bool) {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if owner == "" {
		if prefix, _, found := strings.Cut(repo.GetFullName(), "/"); found {
			owner = prefix
		}
	}
	reference := changelogs.RepositoryRef{ID: repo.GetID(), Owner: owner, Name: name}
	if reference.Validate() != nil {
		return changelogs.RepositoryRef{}, false
	}
	return reference, true
}
