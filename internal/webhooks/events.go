package webhooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"github.com/google/go-github/v57/github"
)

const (
	EventTypePush                     = "push"
	EventTypeInstallation             = "installation"
	EventTypeInstallationRepositories = "installation_repositories"

	actionCreated = "created"
	actionDeleted = "deleted"
	actionAdded   = "added"
	actionRemoved = "removed"
)

// Kind names the outcome of classifying one delivery.
type Kind string

const (
	KindInstallationCreated  Kind = "installation-created"
	KindInstallationDeleted  Kind = "installation-deleted"
	KindRepositoriesRemoved  Kind = "repositories-removed"
	KindRepositoriesAdded    Kind = "repositories-added"
	KindPushWithChangelog    Kind = "push-with-changelog"
	KindPushWithoutChangelog Kind = "push-without-changelog"
	KindIgnored              Kind = "ignored"
)

// ErrMalformedJSON reports a body that is not valid JSON.
var ErrMalformedJSON = errors.New("webhooks: malformed json payload")

// ValidationError reports a JSON payload that does not match the shape of its
// event type.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "webhooks: invalid payload: " + e.Reason
}

func invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Event is one classified delivery. The concrete types below are its only
// implementations.
type Event interface {
	Kind() Kind
}

// InstallationCreated acknowledges a new app installation.
type InstallationCreated struct {
	InstallationID changelogs.InstallationID
	AccountLogin   string
}

func (InstallationCreated) Kind() Kind { return KindInstallationCreated }

// InstallationDeleted asks for every row of the installation to be removed.
type InstallationDeleted struct {
	InstallationID changelogs.InstallationID
}

func (InstallationDeleted) Kind() Kind { return KindInstallationDeleted }

// RepositoriesRemoved asks for the changelogs of the listed repositories to be removed.
type RepositoriesRemoved struct {
	InstallationID changelogs.InstallationID
	RepositoryIDs  []int64
}

func (RepositoriesRemoved) Kind() Kind { return KindRepositoriesRemoved }

// RepositoriesAdded asks for newly granted repositories to be scanned.
type RepositoriesAdded struct {
	InstallationID changelogs.InstallationID
	Repositories   []changelogs.RepositoryRef
}

func (RepositoriesAdded) Kind() Kind { return KindRepositoriesAdded }

// Push is a push to a repository. ChangelogTouched reports whether the head
// commit added or modified the tracked file.
type Push struct {
	InstallationID   changelogs.InstallationID
	Repository       changelogs.RepositoryRef
	ChangelogTouched bool
}

func (p Push) Kind() Kind {
	if p.ChangelogTouched {
		return KindPushWithChangelog
	}
	return KindPushWithoutChangelog
}

// Ignored is a delivery the engine does not act on.
type Ignored struct {
	EventType string
	Action    string
}

func (Ignored) Kind() Kind { return KindIgnored }

// Classifier maps deliveries to events.
type Classifier struct {
	changelogPath string
}

// NewClassifier returns a classifier that detects changes to changelogPath.
func NewClassifier(changelogPath string) Classifier {
	return Classifier{changelogPath: strings.TrimSpace(changelogPath)}
}

// Classify decodes body according to eventType. Unknown event types are
// ignored without looking at the body. The returned error is ErrMalformedJSON
// or a *ValidationError.
func (c Classifier) Classify(eventType string, body []byte) (Event, error) {
	switch eventType {
	case EventTypePush, EventTypeInstallation, EventTypeInstallationRepositories:
	default:
		return Ignored{EventType: eventType}, nil
	}
	if !json.Valid(body) {
		return nil, ErrMalformedJSON
	}

	payload, err := github.ParseWebHook(eventType, body)
	if err != nil {
		return nil, invalid("%v", err)
	}

	switch event := payload.(type) {
	case *github.PushEvent:
		return c.classifyPush(event)
	case *github.InstallationEvent:
		return classifyInstallation(event)
	case *github.InstallationRepositoriesEvent:
		return classifyInstallationRepositories(event)
	default:
		return Ignored{EventType: eventType}, nil
	}
}

func (c Classifier) classifyPush(event *github.PushEvent) (Event, error) {
	installationID, err := requireInstallation(event.GetInstallation())
	if err != nil {
		return nil, err
	}
	repo := event.GetRepo()
	if repo == nil {
		return nil, invalid("repository is required")
	}
	repository := changelogs.RepositoryRef{
		ID:    repo.GetID(),
		Owner: repo.GetOwner().GetLogin(),
		Name:  repo.GetName(),
	}
	if repository.ID <= 0 {
		return nil, invalid("repository.id is required")
	}
	if repository.Name == "" {
		return nil, invalid("repository.name is required")
	}
	if repository.Owner == "" {
		return nil, invalid("repository.owner.login is required")
	}

	touched := false
	if commit := event.GetHeadCommit(); commit != nil {
		touched = containsPath(commit.Modified, c.changelogPath) || containsPath(commit.Added, c.changelogPath)
	}
	return Push{InstallationID: installationID, Repository: repository, ChangelogTouched: touched}, nil
}

func classifyInstallation(event *github.InstallationEvent) (Event, error) {
	action := event.GetAction()
	switch action {
	case actionDeleted:
		installationID, err := requireInstallation(event.GetInstallation())
		if err != nil {
			return nil, err
		}
		return InstallationDeleted{InstallationID: installationID}, nil
	case actionCreated:
		installationID, err := requireInstallation(event.GetInstallation())
		if err != nil {
			return nil, err
		}
		return InstallationCreated{
			InstallationID: installationID,
			AccountLogin:   event.GetInstallation().GetAccount().GetLogin(),
		}, nil
	default:
		return Ignored{EventType: EventTypeInstallation, Action: action}, nil
	}
}

func classifyInstallationRepositories(event *github.InstallationRepositoriesEvent) (Event, error) {
	action := event.GetAction()
	switch action {
	case actionRemoved:
		installationID, err := requireInstallation(event.GetInstallation())
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(event.RepositoriesRemoved))
		for index, repo := range event.RepositoriesRemoved {
			if repo.GetID() <= 0 {
				return nil, invalid("repositories_removed[%d].id is required", index)
			}
			ids = append(ids, repo.GetID())
		}
		return RepositoriesRemoved{InstallationID: installationID, RepositoryIDs: ids}, nil
	case actionAdded:
		installationID, err := requireInstallation(event.GetInstallation())
		if err != nil {
			return nil, err
		}
		repositories := make([]changelogs.RepositoryRef, 0, len(event.RepositoriesAdded))
		for index, repo := range event.RepositoriesAdded {
			reference, err := repositoryRef(repo)
			if err != nil {
				return nil, invalid("repositories_added[%d]: %v", index, err)
			}
			repositories = append(repositories, reference)
		}
		return RepositoriesAdded{InstallationID: installationID, Repositories: repositories}, nil
	default:
		return Ignored{EventType: EventTypeInstallationRepositories, Action: action}, nil
	}
}

func requireInstallation(installation *github.Installation) (changelogs.InstallationID, error) {
	id, err := changelogs.NewInstallationID(installation.GetID())
	if err != nil {
		return 0, invalid("installation.id is required")
	}
	return id, nil
}

// repositoryRef reads owner from the owner object when present, otherwise
// from full_name, which is all installation_repositories payloads carry.
func repositoryRef(repo *github.Repository) (changelogs.RepositoryRef, error) {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if owner == "" {
		if prefix, suffix, ok := strings.Cut(repo.GetFullName(), "/"); ok {
			owner = prefix
			if name == "" {
				name = suffix
			}
		}
	}
	reference := changelogs.RepositoryRef{ID: repo.GetID(), Owner: owner, Name: name}
	if err := reference.Validate(); err != nil {
		return changelogs.RepositoryRef{}, err
	}
	return reference, nil
}

func containsPath(paths []string, target string) bool {
	if target == "" {
		return false
	}
	for _, path := range paths {
		if path == target {
			return true
		}
	}
	return false
}
