package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Intraday Trader Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "paper"
# Capital allocated to the engine (INR)
capital = 100000.0
timezone = "Asia/Kolkata"
exchange = "NSE"
product = "MIS"
# Liquidate open positions at the square-off time (15:10 IST)
square_off = true

[risk]
# Fraction of capital risked per trade
risk_per_trade = 0.01
# Maximum notional per trade as a fraction of capital
max_exposure_fraction = 0.2
# Net daily loss (INR) that engages the kill switch
max_daily_loss = 2000.0
max_concurrent_trades = 3
# Reject entries within this percentage of a circuit limit
circuit_buffer_pct = 2.0
# Reject entries this far (percent) from the trailing VWAP
fat_finger_pct = 5.0
vwap_window = "5m"
# Cost model: "flat" or "itemized"
cost_model = "flat"
flat_cost_rate = 0.00035
evaluate_interval = "5s"
default_freeze_qty = 1800

[feed]
# Market data source: "kite" or "replay"
source = "kite"
staleness = "10s"
backoff_base = "1s"
backoff_max = "30s"
confirm_window = "30s"
replay_file = ""
flush_interval = "1s"

[broker]
rate_limit = 10.0
burst = 10
workers = 4
call_timeout = "5s"
reconcile_delay = "3s"
reconcile_interval = "30s"
lookup_attempts = 4

[logging]
level = "info"
console = true
file = true

[notifications]
enabled = false
# Notification level: all, trades_only, errors_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[metrics]
# Prometheus listen address, e.g. ":9102". Empty disables the endpoint.
listen = ""

# [[strategies]]
# id = "orb-reliance"
# kind = "orb"
# instruments = ["RELIANCE"]
# interval = "5m"
# [strategies.params]
# range_minutes = 15
# breakout_pct = 0.3

# Other kinds: momentum (ema_period, rsi_period), mean_reversion
# (bb_period, bb_width, oversold, overbought) and gap_fill (sma_period).
# All take stop_pct, target_pct, cooldown_minutes and quantity.
# [[strategies]]
# id = "mr-infy"
# kind = "mean_reversion"
# instruments = ["INFY"]
# interval = "1m"

# [[instruments]]
# symbol = "RELIANCE"
# token = 738561
# lot_size = 1
# tick_size = 0.05
# freeze_qty = 1800
`

const credentialsTemplate = `# Intraday Trader Credentials
# Keep this file private (chmod 600)

[zerodha]
api_key = ""
api_secret = ""
access_token = ""
`

func createTemplateConfig(configDir string) error {
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	creds := filepath.Join(configDir, "credentials.toml")
	if _, err := os.Stat(creds); os.IsNotExist(err) {
		if err := os.WriteFile(creds, []byte(credentialsTemplate), 0600); err != nil {
			return fmt.Errorf("writing credentials template: %w", err)
		}
	}

	return nil
}
