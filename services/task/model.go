package task

import "time"

type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// Job is the execution record of one sweep run.
type Job struct {
	ID          string     `gorm:"column:id;primaryKey;type:varchar(32)"`
	Name        string     `gorm:"column:name;index;type:varchar(50);not null"`
	Status      JobStatus  `gorm:"column:status;type:varchar(20);default:'running'"`
	Affected    int64      `gorm:"column:affected"`
	ErrorMsg    string     `gorm:"column:error_msg;type:text"`
	StartedAt   time.Time  `gorm:"column:started_at"`
	CompletedAt *time.Time `gorm:"column:completed_at"`
	CreatedAt   time.Time  `gorm:"column:created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (Job) TableName() string {
	return "sweep_jobs"
}
