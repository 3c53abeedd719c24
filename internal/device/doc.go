// Package device provides the Device Registry and live-position cache for
// Gray Logic Tracker.
//
// The Registry is the in-memory authority every decoding session and every
// query path goes through. It maps wire identifiers (uniqueId) to device
// records, keeps the latest accepted position per device, resolves
// configuration attributes through the device → group → server chain, and
// provisions previously unseen devices when an external authority allows it.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────────┐
//	│                              Registry                                    │
//	│                                                                          │
//	│  ┌──────────────┐  ┌────────────────┐  ┌───────────────────┐             │
//	│  │    Index     │  │ PositionCache  │  │ AttributeResolver │             │
//	│  │  (index.go)  │  │ (position_     │  │  (attributes.go)  │             │
//	│  │ • by id      │  │  cache.go)     │  │ • device attrs    │             │
//	│  │ • by uniqueId│  │ • latest/device│  │ • group ascent    │             │
//	│  │ • by phone   │  │ • per-device   │  │ • config / server │             │
//	│  └──────────────┘  │   serialization│  └───────────────────┘             │
//	│                    └────────────────┘                                    │
//	│  ┌──────────────┐  ┌────────────────┐  ┌───────────────────┐             │
//	│  │  StateStore  │  │  Provisioner   │  │   GroupIndex      │             │
//	│  │  (state.go)  │  │ (provisioner.go│  │   (groups.go)     │             │
//	│  └──────────────┘  │  authorizer.go)│  └───────────────────┘             │
//	│                    └────────────────┘                                    │
//	└──────────────┬────────────────────────┬────────────────────┬─────────────┘
//	               │                        │                    │
//	               ▼                        ▼                    ▼
//	        ┌─────────────┐         ┌──────────────┐      ┌─────────────┐
//	        │    Store    │         │  Permissions │      │    Sink     │
//	        │  (SQLite)   │         │              │      │ (live push) │
//	        └─────────────┘         └──────────────┘      └─────────────┘
//
// # Usage
//
//	store := device.NewSQLiteStore(db.DB)
//	registry := device.NewRegistry(device.RegistryOptions{
//	    Store:       store,
//	    Permissions: permissions,
//	    Config:      cfg,
//	    Authorizer:  device.NewHTTPAuthorizer(authCfg),
//	    Sink:        dispatcher,
//	    Settings:    settings,
//	})
//	registry.SetLogger(log)
//
//	if err := registry.Load(ctx); err != nil {
//	    return err
//	}
//
//	// Decoding session
//	dev, ok := registry.Identify(ctx, "359710049000001")
//	if !ok {
//	    return // drop the message
//	}
//	position.DeviceID = dev.ID
//	accepted, err := registry.AcceptPosition(ctx, position)
//
// # Thread Safety
//
// The Registry is safe for concurrent use. Records held in the indexes are
// never mutated in place: every change builds a new record and swaps it in.
// Callers receive deep copies and must route all mutation through Registry
// methods. Acceptance of positions is serialized per device; different
// devices never wait on each other's store I/O.
package device
