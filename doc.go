/*
Package asyncserver is a minimal HTTP server that moves response work off the
network event loop onto a bounded pool of business workers.

The event loop accepts connections, reads and decodes requests and never runs
business logic. Each decoded request becomes a work item on a bounded FIFO
queue; a fixed number of workers run the business function, encode the
response and write it back on the connection the request came from. The
connection then either returns to reading (keep-alive) or closes.

Features

  - I/O multiplexing: epoll (Linux) and kqueue (macOS) with a wake channel
  - Bounded dispatch: fixed worker count, fixed queue capacity, 503 when full
  - Per-connection read and write deadlines with exactly-once expiry
  - HTTP/1.1 keep-alive and pipelining, HTTP/1.0 opt-in keep-alive
  - Content negotiation: text, JSON and protobuf payloads
  - TLS with ALPN h2 and cleartext h2c through golang.org/x/net/http2
  - Structured logging with log/slog and per-stage latency monitoring

Quick Start

	package main

	import (
	    "github.com/searchktools/async-server/app"
	    "github.com/searchktools/async-server/config"
	)

	func main() {
	    application, err := app.New(config.New())
	    if err != nil {
	        panic(err)
	    }
	    if err := application.Run(); err != nil {
	        panic(err)
	    }
	}

Run it with -business-delay 500ms to simulate slow business processing, and
-workers / -queue-capacity to size the pool.

Modules

  - app: application lifecycle (logger, dispatcher, front end, signals)
  - config: flags, environment (ASYNC_SERVER_*) and JSON configuration
  - core: event-loop engine and fd transport
  - core/dispatch: work items and the worker pool dispatcher
  - core/session: per-connection keep-alive state machine
  - core/timeout: read and write deadline guard
  - core/http: HTTP/1.x request decoder and response encoder
  - core/codec: payload codecs and Accept negotiation
  - core/http2: net/http front end for TLS and h2c
  - core/pools: worker pool, byte buffers and GC tuning
  - core/poller: epoll and kqueue
  - core/observability: logger interface and stage/fault monitor
*/
package asyncserver
