package app

import (
	"gorm.io/gorm"

	"github.com/openconvo/convo-backend/internal/data/repos"
	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

type Repos struct {
	Threads      repos.ChatThreadRepo
	Messages     repos.ChatMessageRepo
	States       repos.ThreadModelStateRepo
	JobRuns      repos.JobRunRepo
	SummaryJobs  repos.SummaryJobRepo
	ProviderKeys repos.ProviderKeyRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Threads:      repos.NewChatThreadRepo(db, log),
		Messages:     repos.NewChatMessageRepo(db, log),
		States:       repos.NewThreadModelStateRepo(db, log),
		JobRuns:      repos.NewJobRunRepo(db, log),
		SummaryJobs:  repos.NewSummaryJobRepo(db, log),
		ProviderKeys: repos.NewProviderKeyRepo(db, log),
	}
}
