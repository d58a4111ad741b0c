package config

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"database_path": "./data/classbell.db",
		"timezone":      "UTC",
		"log": map[string]interface{}{
			"level":  "info",
			"format": "console",
		},
		"server": map[string]interface{}{
			"port":         "8080",
			"api_username": "",
			"api_password": "",
		},
		"dispatch": map[string]interface{}{
			"schedule":       "@every 5m",
			"batch_size":     100,
			"workers":        1,
			"send_timeout":   "30s",
			"rate_per_sec":   0.0,
			"run_on_startup": true,
		},
		"planner": map[string]interface{}{
			"dedupe": false,
		},
		"smtp": map[string]interface{}{
			"host":     "",
			"port":     587,
			"username": "",
			"password": "",
			"from":     "",
		},
		"telegram": map[string]interface{}{
			"token":    "",
			"commands": true,
		},
		"caldav": map[string]interface{}{
			"url":           "",
			"username":      "",
			"password":      "",
			"calendar_path": "",
			"sync_schedule": "@every 1h",
			"horizon_days":  14,
		},
	}
}
