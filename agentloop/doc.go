// Package agentloop implements the tool-calling turn engine.
//
// A turn alternates model calls and tool execution until the model answers
// without requesting tools, or until a protected tool call needs a human
// decision. Session state lives in a checkpoint.Checkpointer, so a suspended
// turn can be resumed by another process.
//
// # Architecture
//
//   - Orchestrator: the turn state machine (ModelStep, Router, ToolStep,
//     Terminal), per-session turn serialization, and persistence.
//   - ApprovalGate: the protected-action set; suspends batches as
//     Interruptions and turns ResumeCommands into resume plans.
//   - ToolRegistry: the closed table of tools, validated at construction.
//   - EventEmitter and TurnStream: the pull-based event stream of one turn.
//
// # Quick Start
//
//	reg, _ := agentloop.NewToolRegistry(tools...)
//	gate := agentloop.NewApprovalGate([]string{"send_campaign_email"})
//	orch, _ := agentloop.NewOrchestrator(client, reg, gate, store, agentloop.DefaultConfig())
//
//	stream, err := orch.Submit(ctx, sessionID, "list customers", false)
//	if err != nil {
//	    return err
//	}
//	for ev := range stream.Events() {
//	    fmt.Printf("[%s] %s\n", ev.Kind, ev.Text)
//	}
//	if err := stream.Wait(); err != nil {
//	    return err
//	}
package agentloop
