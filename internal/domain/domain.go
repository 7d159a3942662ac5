package domain

import (
	"github.com/openconvo/convo-backend/internal/domain/chat"
	"github.com/openconvo/convo-backend/internal/domain/jobs"
	"github.com/openconvo/convo-backend/internal/domain/keys"
)

const (
	RoleUser      = chat.RoleUser
	RoleAssistant = chat.RoleAssistant
	RoleSystem    = chat.RoleSystem

	MessageStatusSent       = chat.MessageStatusSent
	MessageStatusPending    = chat.MessageStatusPending
	MessageStatusGenerating = chat.MessageStatusGenerating
	MessageStatusComplete   = chat.MessageStatusComplete
	MessageStatusFailed     = chat.MessageStatusFailed
	MessageStatusCancelled  = chat.MessageStatusCancelled

	SummaryJobStatusNone       = chat.SummaryJobStatusNone
	SummaryJobStatusPending    = chat.SummaryJobStatusPending
	SummaryJobStatusGenerating = chat.SummaryJobStatusGenerating
	SummaryJobStatusComplete   = chat.SummaryJobStatusComplete
	SummaryJobStatusFailed     = chat.SummaryJobStatusFailed

	JobStatusQueued    = jobs.JobStatusQueued
	JobStatusRunning   = jobs.JobStatusRunning
	JobStatusSucceeded = jobs.JobStatusSucceeded
	JobStatusFailed    = jobs.JobStatusFailed
	JobStatusCancelled = jobs.JobStatusCancelled
)

var IsTerminalStatus = chat.IsTerminalStatus

type (
	ChatThread       = chat.ChatThread
	ChatMessage      = chat.ChatMessage
	ThreadModelState = chat.ThreadModelState

	JobRun     = jobs.JobRun
	SummaryJob = jobs.SummaryJob

	ProviderKey = keys.ProviderKey
)
