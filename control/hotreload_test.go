package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHotReloaderFiresOnChangedKeys(t *testing.T) {
	cs := NewConfigStore()
	cs.SetConfig(DefaultConfig().AsMap())
	hr := NewHotReloader(cs)

	var nagle []any
	var ports int
	hr.On("nagle", func(v any) { nagle = append(nagle, v) })
	hr.On("port", func(any) { ports++ })

	cs.SetConfig(map[string]any{"nagle": true})
	cs.SetConfig(map[string]any{"nagle": true})
	cs.SetConfig(map[string]any{"nagle": false, "port": 80})

	assert.Equal(t, []any{true, false}, nagle)
	assert.Zero(t, ports, "unchanged port must not fire")

	hr.Trigger()
	assert.Len(t, nagle, 2)
}

func TestHotReloaderNewKey(t *testing.T) {
	cs := NewConfigStore()
	hr := NewHotReloader(cs)
	var got any
	hr.On("metric_retention", func(v any) { got = v })
	cs.SetConfig(map[string]any{"metric_retention": "1h0m0s"})
	assert.Equal(t, "1h0m0s", got)
}
