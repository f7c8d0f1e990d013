// Package app is the composition layer of the relay. It builds the domain
// services, wires them to a storage backend and the event journal, and owns
// their start/stop lifecycle. Business rules live in internal/app/services.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── auth/               # Principals and capability checks
//	├── domain/relay/       # Domain models (pure data structures)
//	├── events/             # Event journal (ring buffer with subscriptions)
//	├── httpapi/            # HTTP and websocket handlers
//	├── metrics/            # Prometheus collectors
//	├── runtime/            # Process bootstrap: config, database, HTTP server
//	├── services/
//	│   ├── registry/       # Destination domain registry
//	│   ├── optimizer/      # Channel selection and cost estimation
//	│   ├── compression/    # Payload compression profiles
//	│   ├── lifecycle/      # Message creation, status and retries
//	│   ├── bridge/         # Orders, trade settlements, opaque instructions
//	│   ├── dispatch/       # Redis stream fan-out to relayers
//	│   └── retention/      # Scheduled payload compaction
//	├── storage/            # Store interfaces
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	└── system/             # Service lifecycle manager
//
// # Dependency Direction
//
//	cmd/relayd/
//	      │
//	      ▼
//	internal/app/runtime
//	      │
//	      ├──► internal/app (composition)
//	      │           │
//	      │           └──► internal/app/services/* ──► internal/app/storage
//	      │
//	      └──► internal/app/httpapi ──► internal/middleware
//
// Services only see storage through the interfaces in internal/app/storage,
// so the memory and postgres backends are interchangeable.
package app
