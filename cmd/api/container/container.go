package container

import (
	"fmt"

	"github.com/estatehub/portal/cmd/api/models"
	"github.com/estatehub/portal/cmd/api/repository"
	"github.com/estatehub/portal/cmd/api/service"
	"github.com/estatehub/portal/cmd/api/stream"
	"github.com/estatehub/portal/common/bootstrap"
	"github.com/estatehub/portal/common/validation"
)

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	Store repository.Store

	// Services
	Validator   *validation.PayloadValidator
	Events      *service.EventPublisher
	EventRelay  *service.EventRelay // nil without a queue
	Stream      *stream.Hub
	StreamFeed  *stream.RedisSubscriber // nil without redis
	Idempotency *service.IdempotencyGuard
	Proposals   *service.ProposalService
	Reviews     *service.ReviewService
	Resources   *service.ResourceService
	Employees   *service.EmployeeService
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	// Initialize repositories
	var store repository.Store
	switch {
	case components.DB != nil:
		store = repository.NewPostgresStore(components.DB)
	case cfg.Storage.Backend == "memory":
		components.Logger.Warn("using in-memory storage; data is lost on restart")
		store = repository.NewMemoryStore()
	default:
		return nil, fmt.Errorf("storage backend %q has no database connection", cfg.Storage.Backend)
	}

	validator, err := validation.NewPayloadValidator(models.Schemas())
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schemas: %w", err)
	}

	// Initialize services (bottom-up: dependencies first)
	hub := stream.NewHub(components.Logger)
	var feed *stream.RedisSubscriber
	var sink service.EventSink = hub
	if components.Redis != nil {
		// events reach the hub through redis so every replica sees them
		feed = stream.NewRedisSubscriber(components.Redis, hub, components.Logger)
		sink = nil
	}

	var relay *service.EventRelay
	if components.Queue != nil {
		relay = service.NewEventRelay(components.Queue, components.Redis, sink, components.Logger)
	}
	events := service.NewEventPublisher(components.Queue, components.Logger)
	idempotency := service.NewIdempotencyGuard(components.Cache, cfg.Idempotency.TTL)

	deps := service.Deps{
		Store:      store,
		Validator:  validator,
		Events:     events,
		Cache:      components.Cache,
		CacheTTL:   cfg.Cache.DefaultTTL,
		Pagination: cfg.Pagination,
		Logger:     components.Logger,
	}

	return &Container{
		Components:  components,
		Store:       store,
		Validator:   validator,
		Events:      events,
		EventRelay:  relay,
		Stream:      hub,
		StreamFeed:  feed,
		Idempotency: idempotency,
		Proposals:   service.NewProposalService(deps, idempotency),
		Reviews:     service.NewReviewService(deps),
		Resources:   service.NewResourceService(deps),
		Employees:   service.NewEmployeeService(deps),
	}, nil
}
