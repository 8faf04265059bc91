package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/glimte/rabbitlink/internal/actor"
)

// ErrFiltered is returned by a FilteringInterceptor using SkipWithError
var ErrFiltered = errors.New("interceptors: message filtered")

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg actor.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg actor.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg actor.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently skips the message without error
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered
	SkipWithError
	// SkipWithLog logs that the message was skipped
	SkipWithLog
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}

	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg actor.Message, next actor.DeliveryHandler) error {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return fmt.Errorf("%w: queue=%s routingKey=%s", ErrFiltered, msg.Queue, msg.RoutingKey)
		case SkipWithLog:
			i.logger.InfoContext(ctx, "message skipped by filter",
				"queue", msg.Queue,
				"routingKey", msg.RoutingKey,
				"deliveryTag", msg.DeliveryTag)
			return nil
		default:
			return nil
		}
	}

	return next(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg actor.Message) (bool, error) {
	for _, filter := range f.filters {
		shouldProcess, err := filter.ShouldProcess(ctx, msg)
		if err != nil {
			return false, err
		}
		if !shouldProcess {
			return false, nil
		}
	}
	return true, nil
}

// RoutingKeyFilter accepts messages published with one of the given keys
func RoutingKeyFilter(keys ...string) MessageFilter {
	return MessageFilterFunc(func(_ context.Context, msg actor.Message) (bool, error) {
		return slices.Contains(keys, msg.RoutingKey), nil
	})
}

// QueueFilter accepts messages consumed from one of the given queues
func QueueFilter(queues ...string) MessageFilter {
	return MessageFilterFunc(func(_ context.Context, msg actor.Message) (bool, error) {
		return slices.Contains(queues, msg.Queue), nil
	})
}
