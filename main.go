// Copyright 2026 Eyelink Media
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-recsync - Local/Remote Record Reconciler")
	fmt.Println("===========================================")
	fmt.Println()
	fmt.Println("go-recsync keeps a local key-value store synchronized with a record-oriented")
	fmt.Println("cloud store under offline-first, multi-writer conditions: a durable row-to-record")
	fmt.Println("association table, a collapsing pending-operation queue, and a merge reconciler.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  recsync/  Reconciler core: attach/detach/merge, bidirectional lookup,")
	fmt.Println("            changeset drain/confirm/fail, and the Flusher push loop")
	fmt.Println("  rechttp/  HTTP remote-store adapter with JWT bearer auth")
	fmt.Println()
	fmt.Println("Start with recsync.Open over a *sql.DB, hand the Reconciler your merge")
	fmt.Println("policy, and run a Flusher against your gateway to push queued changes.")
}
