package webhook

import (
	"github.com/sirupsen/logrus"

	"calltimer/internal/logging"
)

// Control URL sources
const (
	SourceMonitor = "monitor" // call.monitor.controlUrl
	SourceCall    = "call"    // call.controlUrl
)

// Registry is the subset of calls.Registry the dispatcher drives.
type Registry interface {
	Start(callID, controlURL string)
	HandleNaturalEnd(callID string) bool
	CheckExpired(callID string) bool
}

// Outcome reports what Dispatch did with an event.
type Outcome string

const (
	OutcomeDiscarded Outcome = "discarded"
	OutcomeStarted   Outcome = "started"
	OutcomeUntracked Outcome = "untracked"
	OutcomeEnded     Outcome = "ended"
	OutcomeChecked   Outcome = "checked"
)

type Options struct {
	Tags              *TagTable
	ControlURLSources []string
	Logger            *logrus.Entry
}

// Dispatcher routes platform events to the call registry.
type Dispatcher struct {
	registry Registry
	tags     *TagTable
	sources  []string
	log      *logrus.Entry
}

func NewDispatcher(registry Registry, opts Options) *Dispatcher {
	if opts.Tags == nil {
		opts.Tags = DefaultTagTable()
	}
	if len(opts.ControlURLSources) == 0 {
		opts.ControlURLSources = []string{SourceMonitor, SourceCall}
	}
	if opts.Logger == nil {
		opts.Logger = logging.For("webhook")
	}
	return &Dispatcher{
		registry: registry,
		tags:     opts.Tags,
		sources:  opts.ControlURLSources,
		log:      opts.Logger,
	}
}

// Dispatch classifies env and forwards it to the registry. Malformed events
// are logged and discarded, never returned as errors.
func (d *Dispatcher) Dispatch(env *Envelope) Outcome {
	callID := env.CallID()
	eventType := env.EventType()
	if callID == "" {
		d.log.WithField("event", eventType).Warn("no call id in webhook, discarding")
		return OutcomeDiscarded
	}

	log := d.log.WithFields(logrus.Fields{"call_id": callID, "event": eventType})
	log.Debug("webhook event")

	switch d.tags.Classify(eventType, env.CallStatus()) {
	case ClassStart:
		controlURL := d.ControlURL(env.Message.Call)
		if controlURL == "" {
			log.Warn("start event without control url, call cannot be tracked")
			return OutcomeUntracked
		}
		d.registry.Start(callID, controlURL)
		return OutcomeStarted
	case ClassEnd:
		d.registry.HandleNaturalEnd(callID)
		return OutcomeEnded
	default:
		d.registry.CheckExpired(callID)
		return OutcomeChecked
	}
}

// ControlURL resolves the call's control endpoint using the configured
// source order.
func (d *Dispatcher) ControlURL(call *Call) string {
	if call == nil {
		return ""
	}
	for _, src := range d.sources {
		switch src {
		case SourceMonitor:
			if call.Monitor != nil && call.Monitor.ControlURL != "" {
				return call.Monitor.ControlURL
			}
		case SourceCall:
			if call.ControlURL != "" {
				return call.ControlURL
			}
		}
	}
	return ""
}
