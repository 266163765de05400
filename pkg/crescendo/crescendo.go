// Package crescendo re-exports the completion pipeline's public surface so
// downstream integrations can embed it without importing internal packages.
package crescendo

import (
	"github.com/crescendoschool/crescendo-core/internal/core"
	"github.com/crescendoschool/crescendo-core/internal/dispatch"
	"github.com/crescendoschool/crescendo-core/internal/ledger"
	"github.com/crescendoschool/crescendo-core/internal/messagestore"
	"github.com/crescendoschool/crescendo-core/internal/webhook"
)

type Pipeline = core.Pipeline
type PipelineConfig = core.Config
type SubmitResult = core.SubmitResult
type Dispatcher = core.Dispatcher

// NewPipeline wires the submission pipeline over the given stores.
func NewPipeline(messages messagestore.Store, accounts ledger.Store, dispatcher Dispatcher, cfg PipelineConfig) *Pipeline {
	return core.NewPipeline(messages, accounts, dispatcher, cfg, nil)
}

type Thread = messagestore.Thread
type Message = messagestore.Message
type Status = messagestore.Status

type Account = ledger.Account
type Transaction = ledger.Transaction
type LedgerStore = ledger.Store
type MessageStore = messagestore.Store

type Callback = webhook.Callback
type CallbackResult = webhook.Result
type TokenUsage = webhook.TokenUsage

type WorkerClient = dispatch.WorkerClient
type Job = dispatch.Job

// NewWorkerClient constructs a signed client for the worker fleet.
func NewWorkerClient(baseURL, callbackURL, secret string) (*WorkerClient, error) {
	return dispatch.NewWorkerClient(baseURL, callbackURL, webhook.NewSigner(secret), nil)
}
