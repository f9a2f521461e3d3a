package crawler

import (
	"fmt"
	"sort"
	"strings"
)

// Strategy identifies one of the built-in extraction algorithms.
type Strategy int

// Built-in strategies. StrategyUnknown is never produced by ParseStrategy.
const (
	StrategyUnknown Strategy = iota
	StrategyThread
	StrategyCatalog
)

// strategyIDs maps accepted configuration identifiers to strategies. The class
// style names keep routing documents written for the older tool loadable.
var strategyIDs = map[string]Strategy{
	"thread":                StrategyThread,
	"fourchanspider":        StrategyThread,
	"catalog":               StrategyCatalog,
	"fourchancatalogspider": StrategyCatalog,
}

// ParseStrategy resolves a configuration identifier, case-insensitively.
func ParseStrategy(id string) (Strategy, error) {
	s, ok := strategyIDs[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return StrategyUnknown, fmt.Errorf("unknown strategy %q (known: %s)", id, strings.Join(KnownStrategyIDs(), ", "))
	}
	return s, nil
}

// KnownStrategyIDs lists every accepted identifier in sorted order.
func KnownStrategyIDs() []string {
	ids := make([]string, 0, len(strategyIDs))
	for id := range strategyIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s Strategy) String() string {
	switch s {
	case StrategyThread:
		return "thread"
	case StrategyCatalog:
		return "catalog"
	default:
		return "unknown"
	}
}
