// Package backtest executes single backtest passes through the cTrader CLI,
// either via a resident patched host or a one-shot subprocess, and parses the
// JSON reports the CLI writes.
package backtest

import (
	"encoding/json"
	"os"
)

type cbotset struct {
	Chart struct {
		Symbol string `json:"Symbol"`
		Period string `json:"Period"`
	} `json:"Chart"`
	Parameters map[string]any `json:"Parameters"`
}

// WriteEvents creates the events.json placeholder. The CLI expects the file
// to exist but leaves it empty itself, so an empty file keeps pass
// directories loadable by cTrader.
func WriteEvents(path string) error {
	return os.WriteFile(path, []byte(""), 0o644)
}

// WriteCbotset writes the parameter set file consumed by the CLI backtest
// command.
func WriteCbotset(path, symbol, period string, params map[string]any) error {
	payload := cbotset{Parameters: params}
	payload.Chart.Symbol = symbol
	payload.Chart.Period = period
	if payload.Parameters == nil {
		payload.Parameters = map[string]any{}
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
