// Package repos re-exports the per-area repository interfaces so wiring
// code can refer to a single import.
package repos

import (
	chatrepo "github.com/openconvo/convo-backend/internal/data/repos/chat"
	jobsrepo "github.com/openconvo/convo-backend/internal/data/repos/jobs"
	keysrepo "github.com/openconvo/convo-backend/internal/data/repos/keys"
)

type (
	ChatThreadRepo       = chatrepo.ChatThreadRepo
	ChatMessageRepo      = chatrepo.ChatMessageRepo
	ThreadModelStateRepo = chatrepo.ThreadModelStateRepo

	JobRunRepo     = jobsrepo.JobRunRepo
	SummaryJobRepo = jobsrepo.SummaryJobRepo

	ProviderKeyRepo = keysrepo.ProviderKeyRepo
)

var (
	NewChatThreadRepo       = chatrepo.NewChatThreadRepo
	NewChatMessageRepo      = chatrepo.NewChatMessageRepo
	NewThreadModelStateRepo = chatrepo.NewThreadModelStateRepo

	NewJobRunRepo     = jobsrepo.NewJobRunRepo
	NewSummaryJobRepo = jobsrepo.NewSummaryJobRepo

	NewProviderKeyRepo = keysrepo.NewProviderKeyRepo
)
