// DictateMED Sync - Offline-first durable write queue and synchronization engine
// Copyright 2026 drrnair
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/drrnair/dictatemed-mvp

/*
Package config loads syncd configuration with koanf.

Sources are layered, later ones overriding earlier ones:

 1. Struct defaults (defaultConfig)
 2. A YAML file: $CONFIG_PATH, else the first of DefaultConfigPaths that exists
 3. Mapped environment variables (QUEUE_PATH, SYNC_MAX_ATTEMPTS, ...)

Only environment variables listed in envMappings are read, so unrelated
variables never leak into the configuration. List-valued settings accept
comma-separated strings from the environment.

Example file:

	queue:
	  path: /var/lib/dictatemed/queue
	  sync_writes: true
	connectivity:
	  stability_window: 2s
	sync:
	  max_attempts: 8
	  priority: [recordings, documents, operations]
	submission:
	  base_url: https://app.dictatemed.example
	  token_file: /run/dictatemed/session.jwt
	status:
	  addr: 127.0.0.1:8787
	logging:
	  level: info
	  format: json

Each section converts to the configuration type of the package it drives
(QueueConfig.StoreConfig, SyncConfig.EngineConfig, ...).
*/
package config
