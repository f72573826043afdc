// Copyright © 2026 AssistantMD - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import "fmt"

// ConfigurationError reports a setting that is missing or unusable, such
// as a model alias whose provider has no API key configured. Secret names
// the secrets.yaml entry that would fix it, when one would.
type ConfigurationError struct {
	Setting string
	Secret  string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Secret != "" {
		return fmt.Sprintf("configuration error for %s: %s (configure %s)", e.Setting, e.Message, e.Secret)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Setting, e.Message)
}
