package backtest

import (
	"encoding/json"
	"os"
)

// ParseReport flattens the CLI's report.json into the metrics map attached to
// pass results. It returns nil when the file is missing, empty, or not JSON;
// individual metrics stay nil when the report lacks them.
func ParseReport(path string) map[string]any {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var obj any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}

	root := asMap(obj)
	main := asMap(root["main"])
	trade := asMap(root["tradeStatistics"])
	equity := asMap(root["equity"])

	netProfit := main["netProfit"]
	if netProfit == nil {
		netProfit = trade["netProfit"]
	}

	var averageTrade any
	switch v := trade["averageTrade"].(type) {
	case map[string]any:
		averageTrade = v["all"]
	case nil:
	default:
		averageTrade = v
	}

	return map[string]any{
		"main":                      main,
		"trade":                     trade,
		"equity":                    equity,
		"netProfit":                 netProfit,
		"endingEquity":              main["endingEquity"],
		"endingBalance":             main["endingBalance"],
		"profitFactor":              allBucket(trade, "profitFactor"),
		"totalTrades":               allBucket(trade, "totalTrades"),
		"winningTrades":             allBucket(trade, "winningTrades"),
		"losingTrades":              allBucket(trade, "losingTrades"),
		"maxEquityDrawdownPercent":  equity["maxEquityDrawdownPercent"],
		"maxBalanceDrawdownPercent": equity["maxBalanceDrawdownPercent"],
		"maxEquityDrawdownAbsolute": equity["maxEquityDrawdownAbsolute"],
		"maxBalanceDrawdownAbsolute": equity["maxBalanceDrawdownAbsolute"],
		"averageTrade":              averageTrade,
	}
}

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// allBucket picks the "all" value from statistics sections shaped like
// {"all": x, "long": y, "short": z}.
func allBucket(section map[string]any, key string) any {
	m, ok := section[key].(map[string]any)
	if !ok {
		return nil
	}
	return m["all"]
}
