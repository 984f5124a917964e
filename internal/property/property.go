// Package property is a flat, dot-separated property tree holding the
// participant's component configuration.
package property

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Paths read by the timing core.
const (
	ComponentConfig = "ComponentConfig"
	TimingRoot      = ComponentConfig + ".Timing"

	TimingClientConfigFile    = TimingRoot + ".TimingClient.strTimingConfig"
	TimingClientUseMulticast  = TimingRoot + ".TimingClient.bMulticastEnable"
	TimingClientSystemTimeout = TimingRoot + ".TimingClient.tmSystemTimeout_s"

	TimingMasterParticipant    = TimingRoot + ".TimingMaster.strMasterElement"
	TimingMasterTriggerMode    = TimingRoot + ".TimingMaster.strTriggerMode"
	TimingMasterSpeedFactor    = TimingRoot + ".TimingMaster.fSpeedFactor"
	TimingMasterAckWaitTimeout = TimingRoot + ".TimingMaster.tmAckWaitTimeout_s"
	TimingMasterMinTriggerTime = TimingRoot + ".TimingMaster.tmMinTriggerTime_ms"
)

// Tree stores property values keyed by path.
type Tree struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{values: make(map[string]any)}
}

// SetPropertyValue stores v at path. Only strings, bools, integers and
// floats are accepted; integers are stored as int64.
func (t *Tree) SetPropertyValue(path string, v any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("%w: empty property path", types.ErrInvalidArgument)
	}
	switch x := v.(type) {
	case string, bool, int64, float64:
	case int:
		v = int64(x)
	case int32:
		v = int64(x)
	case uint32:
		v = int64(x)
	case float32:
		v = float64(x)
	default:
		return fmt.Errorf("%w: unsupported type %T for %s", types.ErrInvalidArgument, v, path)
	}
	t.mu.Lock()
	t.values[path] = v
	t.mu.Unlock()
	return nil
}

// GetPropertyValue returns the raw value at path.
func (t *Tree) GetPropertyValue(path string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[path]
	return v, ok
}

// Delete removes path.
func (t *Tree) Delete(path string) {
	t.mu.Lock()
	delete(t.values, path)
	t.mu.Unlock()
}

// Paths returns all set paths, sorted.
func (t *Tree) Paths() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.values))
	for k := range t.values {
		out = append(out, k)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// String returns the value at path converted to a string, or "" when it
// is not set.
func (t *Tree) String(path string) string {
	v, ok := t.GetPropertyValue(path)
	if !ok {
		return ""
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// Bool returns the value at path as a bool.
func (t *Tree) Bool(path string, def bool) (bool, error) {
	v, ok := t.GetPropertyValue(path)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return def, fmt.Errorf("%w: %s is not a bool: %q", types.ErrInvalidArgument, path, x)
		}
		return b, nil
	default:
		return def, fmt.Errorf("%w: %s is %T, not a bool", types.ErrInvalidArgument, path, v)
	}
}

// Int64 returns the value at path as an int64. Floats are truncated.
func (t *Tree) Int64(path string, def int64) (int64, error) {
	v, ok := t.GetPropertyValue(path)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return def, fmt.Errorf("%w: %s is not an integer: %q", types.ErrInvalidArgument, path, x)
		}
		return n, nil
	default:
		return def, fmt.Errorf("%w: %s is %T, not an integer", types.ErrInvalidArgument, path, v)
	}
}

// Float64 returns the value at path as a float64.
func (t *Tree) Float64(path string, def float64) (float64, error) {
	v, ok := t.GetPropertyValue(path)
	if !ok {
		return def, nil
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return def, fmt.Errorf("%w: %s is not a number: %q", types.ErrInvalidArgument, path, x)
		}
		return f, nil
	default:
		return def, fmt.Errorf("%w: %s is %T, not a number", types.ErrInvalidArgument, path, v)
	}
}

// Merge sets every entry of values, stopping at the first failure.
func (t *Tree) Merge(values map[string]any) error {
	for k, v := range values {
		if err := t.SetPropertyValue(k, v); err != nil {
			return err
		}
	}
	return nil
}
