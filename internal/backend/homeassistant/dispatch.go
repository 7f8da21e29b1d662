package homeassistant

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/2oby/orac-core/internal/backend"
	"github.com/2oby/orac-core/internal/fault"
)

// Quantified action verbs produced by parseAction.
const (
	actionSetPercent     = "set_percent"
	actionSetTemperature = "set_temperature"
)

// serviceCall is one fully-translated Home Assistant invocation.
type serviceCall struct {
	domain  string
	service string
	data    map[string]any
}

// translation maps one action verb to a service and its parameters. The
// builder receives the parsed quantity (percent or degrees); fixed-value
// actions ignore it.
type translation struct {
	service string
	data    func(value int) map[string]any
}

func brightness(pct int) map[string]any {
	return map[string]any{"brightness": (pct*255 + 50) / 100}
}

func position(pct int) map[string]any {
	return map[string]any{"position": pct}
}

func volume(pct int) map[string]any {
	return map[string]any{"volume_level": float64(pct) / 100}
}

func temperature(deg int) map[string]any {
	return map[string]any{"temperature": deg}
}

// actionTables drive the translation per Home Assistant domain. Actions the
// domain has no sensible service for are simply absent and fail dispatch.
var actionTables = map[string]map[string]translation{
	"light": {
		"on":             {service: "turn_on"},
		"off":            {service: "turn_off"},
		"toggle":         {service: "toggle"},
		"high":           {service: "turn_on", data: func(int) map[string]any { return brightness(100) }},
		"medium":         {service: "turn_on", data: func(int) map[string]any { return brightness(50) }},
		"low":            {service: "turn_on", data: func(int) map[string]any { return brightness(20) }},
		actionSetPercent: {service: "turn_on", data: brightness},
	},
	"switch": {
		"on":     {service: "turn_on"},
		"off":    {service: "turn_off"},
		"toggle": {service: "toggle"},
	},
	"cover": {
		"open":           {service: "open_cover"},
		"close":          {service: "close_cover"},
		"up":             {service: "open_cover"},
		"down":           {service: "close_cover"},
		actionSetPercent: {service: "set_cover_position", data: position},
	},
	"climate": {
		"on":                 {service: "turn_on"},
		"off":                {service: "turn_off"},
		"hot":                {service: "set_temperature", data: func(int) map[string]any { return temperature(28) }},
		"warm":               {service: "set_temperature", data: func(int) map[string]any { return temperature(24) }},
		"cold":               {service: "set_temperature", data: func(int) map[string]any { return temperature(17) }},
		actionSetTemperature: {service: "set_temperature", data: temperature},
	},
	"media_player": {
		"on":             {service: "turn_on"},
		"off":            {service: "turn_off"},
		"toggle":         {service: "toggle"},
		"up":             {service: "volume_up"},
		"down":           {service: "volume_down"},
		"loud":           {service: "volume_set", data: func(int) map[string]any { return volume(80) }},
		"quiet":          {service: "volume_set", data: func(int) map[string]any { return volume(20) }},
		actionSetPercent: {service: "volume_set", data: volume},
	},
}

// genericActions cover domains without a dedicated table: scripts, scenes,
// locks and anything a user maps under a custom device type.
var genericActions = map[string]translation{
	"on":     {service: "turn_on"},
	"off":    {service: "turn_off"},
	"toggle": {service: "toggle"},
}

// domainForType is the fallback mapping from device type to Home Assistant
// domain, used only when a mapping carries no entity-derived domain.
var domainForType = map[string]string{
	"lights":       "light",
	"heating":      "climate",
	"media_player": "media_player",
	"blinds":       "cover",
	"switches":     "switch",
}

// DispatchCommand resolves the command's (device, location) pair against the
// stored mappings, translates the action into a Home Assistant service call
// and executes it behind the circuit breaker. Dispatch outcomes feed the
// backend's statistics either way.
func (a *Adapter) DispatchCommand(ctx context.Context, cmd backend.Command) (backend.DispatchResult, error) {
	if err := cmd.Validate(); err != nil {
		return backend.DispatchResult{Error: err.Error()}, err
	}
	rec, err := a.store.Get(ctx, a.backendID)
	if err != nil {
		return backend.DispatchResult{Error: err.Error()}, err
	}

	entityID, mapping, ok := rec.Resolve(cmd.Device, cmd.Location)
	if !ok {
		// Unconstrained model runs can produce near-miss labels; try a
		// phonetic match against the mapped vocabulary before giving up.
		entityID, mapping, ok = a.resolveFuzzy(rec, cmd)
	}
	if !ok {
		err := fault.New(fault.KindValidation, "no enabled mapping for device %q in location %q", cmd.Device, cmd.Location)
		return backend.DispatchResult{Error: err.Error()}, err
	}

	call, err := translate(cmd, mapping, entityID)
	if err != nil {
		return backend.DispatchResult{EntityID: entityID, Error: err.Error()}, err
	}

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, a.dispatchTimeout)
	defer cancel()

	var changed []string
	execErr := a.breaker.Execute(func() error {
		states, err := a.client.CallService(dctx, call.domain, call.service, call.data)
		if err != nil {
			return err
		}
		for _, st := range states {
			changed = append(changed, st.EntityID)
		}
		return nil
	})
	elapsed := time.Since(start)

	a.metrics.RecordDispatch(ctx, "homeassistant", execErr == nil, elapsed.Seconds())
	if err := a.store.RecordDispatch(ctx, a.backendID, execErr == nil); err != nil {
		slog.Warn("record dispatch outcome", "backend", a.backendID, "error", err)
	}

	if execErr != nil {
		kind := fault.KindBackend
		if dctx.Err() == context.DeadlineExceeded {
			kind = fault.KindTimeout
		}
		werr := fault.Wrap(kind, execErr, "dispatch %s.%s for %s", call.domain, call.service, entityID)
		slog.Warn("dispatch failed", "backend", a.backendID, "entity", entityID,
			"service", call.domain+"."+call.service, "error", execErr)
		return backend.DispatchResult{EntityID: entityID, Error: werr.Error()}, werr
	}

	slog.Info("command dispatched", "backend", a.backendID, "entity", entityID,
		"service", call.domain+"."+call.service, "elapsed", elapsed)
	res := backend.DispatchResult{
		Success:  true,
		Message:  fmt.Sprintf("called %s.%s on %s", call.domain, call.service, entityID),
		EntityID: entityID,
	}
	if len(changed) > 0 {
		res.Data = map[string]any{"changed_states": changed}
	}
	return res, nil
}

// resolveFuzzy retries resolution with phonetically corrected device and
// location labels drawn from the record's eligible mappings.
func (a *Adapter) resolveFuzzy(rec *backend.Record, cmd backend.Command) (string, backend.DeviceMapping, bool) {
	var types, locations []string
	seenType := make(map[string]struct{})
	seenLoc := make(map[string]struct{})
	for _, m := range rec.EligibleMappings() {
		if lt := strings.ToLower(m.DeviceType); lt != "" {
			if _, ok := seenType[lt]; !ok {
				seenType[lt] = struct{}{}
				types = append(types, m.DeviceType)
			}
		}
		if ll := strings.ToLower(m.Location); ll != "" {
			if _, ok := seenLoc[ll]; !ok {
				seenLoc[ll] = struct{}{}
				locations = append(locations, m.Location)
			}
		}
	}

	device, location := cmd.Device, cmd.Location
	changed := false
	if corrected, conf, ok := a.match.Match(cmd.Device, types); ok && !strings.EqualFold(corrected, cmd.Device) {
		slog.Info("fuzzy device match", "backend", a.backendID, "input", cmd.Device, "matched", corrected, "confidence", conf)
		device = corrected
		changed = true
	}
	if cmd.Location != "" {
		if corrected, conf, ok := a.match.Match(cmd.Location, locations); ok && !strings.EqualFold(corrected, cmd.Location) {
			slog.Info("fuzzy location match", "backend", a.backendID, "input", cmd.Location, "matched", corrected, "confidence", conf)
			location = corrected
			changed = true
		}
	}
	if !changed {
		return "", backend.DeviceMapping{}, false
	}
	return rec.Resolve(device, location)
}

// translate turns a validated command into a concrete service call. The
// entity id's own domain wins over the device-type table: a "lights" mapping
// pointing at a smart plug must be driven through the switch domain.
func translate(cmd backend.Command, mapping backend.DeviceMapping, entityID string) (serviceCall, error) {
	domain, _, found := strings.Cut(entityID, ".")
	if !found || domain == "" {
		domain = mapping.Domain
	}
	if domain == "" {
		domain = domainForType[strings.ToLower(cmd.Device)]
	}
	if domain == "" {
		return serviceCall{}, fault.New(fault.KindBackend, "cannot derive a domain for entity %q", entityID)
	}

	verb, value, err := parseAction(cmd.Action)
	if err != nil {
		return serviceCall{}, err
	}
	table, ok := actionTables[domain]
	if !ok {
		table = genericActions
	}
	trans, ok := table[verb]
	if !ok {
		return serviceCall{}, fault.New(fault.KindBackend, "action %q is not supported for %s entities", cmd.Action, domain)
	}

	data := map[string]any{"entity_id": entityID}
	if trans.data != nil {
		for k, v := range trans.data(value) {
			data[k] = v
		}
	}
	return serviceCall{domain: domain, service: trans.service, data: data}, nil
}

// parseAction normalizes an action into its verb and optional quantity.
// Quantified forms are "set N%" and "set NC" with the ranges the grammar
// emits; anything else out of range is rejected rather than clamped.
func parseAction(raw string) (verb string, value int, err error) {
	action := strings.ToLower(strings.TrimSpace(raw))
	rest, isSet := strings.CutPrefix(action, "set ")
	if !isSet {
		return action, 0, nil
	}
	rest = strings.TrimSpace(rest)
	if pct, ok := strings.CutSuffix(rest, "%"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(pct))
		if err != nil || n < 0 || n > 100 {
			return "", 0, fault.New(fault.KindValidation, "percentage out of range in action %q", raw)
		}
		return actionSetPercent, n, nil
	}
	if deg, ok := strings.CutSuffix(rest, "c"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(deg))
		if err != nil || n < 5 || n > 30 {
			return "", 0, fault.New(fault.KindValidation, "temperature out of range in action %q", raw)
		}
		return actionSetTemperature, n, nil
	}
	return "", 0, fault.New(fault.KindValidation, "unrecognized set action %q", raw)
}
