package store

import (
	"time"

	"github.com/zeek/zeek-benchmarker/pkg/machine"
	"github.com/zeek/zeek-benchmarker/pkg/request"
)

// Job is one accepted submission.
type Job struct {
	ID             string `gorm:"primaryKey" json:"id"`
	Kind           string `gorm:"not null;index" json:"kind"`
	BuildURL       string `gorm:"not null" json:"build_url"`
	BuildHash      string `json:"build_hash"`
	SHA            string `gorm:"column:sha" json:"sha"`
	Branch         string `gorm:"not null" json:"branch"`
	OriginalBranch string `gorm:"not null" json:"original_branch"`
	Remote         bool   `json:"remote"`

	CirrusRepoOwner    string `json:"cirrus_repo_owner,omitempty"`
	CirrusRepoName     string `json:"cirrus_repo_name,omitempty"`
	CirrusTaskID       *int64 `json:"cirrus_task_id,omitempty"`
	CirrusTaskName     string `json:"cirrus_task_name,omitempty"`
	CirrusBuildID      *int64 `json:"cirrus_build_id,omitempty"`
	CirrusPR           *int64 `gorm:"column:cirrus_pr" json:"cirrus_pr,omitempty"`
	CirrusPRLabels     string `gorm:"column:cirrus_pr_labels" json:"cirrus_pr_labels,omitempty"`
	GitHubCheckSuiteID *int64 `gorm:"column:github_check_suite_id" json:"github_check_suite_id,omitempty"`
	RepoVersion        string `json:"repo_version,omitempty"`

	MachineID  *uint     `gorm:"index" json:"machine_id,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewJob converts a validated descriptor into a Job row.
func NewJob(d *request.Descriptor) *Job {
	return &Job{
		ID:                 d.JobID,
		Kind:               d.Kind,
		BuildURL:           d.BuildURL,
		BuildHash:          d.BuildHash,
		SHA:                d.Commit,
		Branch:             d.Branch,
		OriginalBranch:     d.OriginalBranch,
		Remote:             d.Remote,
		CirrusRepoOwner:    d.CI.RepoOwner,
		CirrusRepoName:     d.CI.RepoName,
		CirrusTaskID:       d.CI.TaskID,
		CirrusTaskName:     d.CI.TaskName,
		CirrusBuildID:      d.CI.BuildID,
		CirrusPR:           d.CI.PR,
		CirrusPRLabels:     d.CI.PRLabels,
		GitHubCheckSuiteID: d.CI.GitHubCheckSuiteID,
		RepoVersion:        d.CI.RepoVersion,
		MachineID:          d.MachineID,
		EnqueuedAt:         d.SubmittedAt,
	}
}

// ZeekTest is one run of a Zeek sub-test. Measurements are nil for failed
// runs.
type ZeekTest struct {
	ID          uint     `gorm:"primaryKey" json:"id"`
	JobID       string   `gorm:"not null;index" json:"job_id"`
	TestID      string   `gorm:"not null" json:"test_id"`
	TestRun     int      `gorm:"not null" json:"test_run"`
	ElapsedTime *float64 `json:"elapsed_time"`
	UserTime    *float64 `json:"user_time"`
	SystemTime  *float64 `json:"system_time"`
	// MaxRSS is in bytes.
	MaxRSS    *int64    `gorm:"column:max_rss" json:"max_rss"`
	SHA       string    `gorm:"column:sha" json:"sha"`
	Branch    string    `json:"branch"`
	Success   bool      `gorm:"not null" json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BrokerTest is one run of a Broker sub-test.
type BrokerTest struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	JobID            string    `gorm:"not null;index" json:"job_id"`
	TestID           string    `gorm:"not null" json:"test_id"`
	TestRun          int       `gorm:"not null" json:"test_run"`
	LoggerSending    *float64  `json:"logger_sending"`
	LoggerReceiving  *float64  `json:"logger_receiving"`
	ManagerSending   *float64  `json:"manager_sending"`
	ManagerReceiving *float64  `json:"manager_receiving"`
	ProxySending     *float64  `json:"proxy_sending"`
	ProxyReceiving   *float64  `json:"proxy_receiving"`
	WorkerSending    *float64  `json:"worker_sending"`
	WorkerReceiving  *float64  `json:"worker_receiving"`
	System           *float64  `json:"system"`
	SHA              string    `gorm:"column:sha" json:"sha"`
	Branch           string    `json:"branch"`
	Success          bool      `gorm:"not null" json:"success"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Machine is a deduplicated machine identity.
type Machine struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	DMISysVendor     string `gorm:"column:dmi_sys_vendor;not null;uniqueIndex:idx_machine_identity" json:"dmi_sys_vendor"`
	DMIProductUUID   string `gorm:"column:dmi_product_uuid;not null;uniqueIndex:idx_machine_identity" json:"dmi_product_uuid"`
	DMIProductSerial string `gorm:"column:dmi_product_serial;not null;uniqueIndex:idx_machine_identity" json:"dmi_product_serial"`
	DMIBoardAssetTag string `gorm:"column:dmi_board_asset_tag;not null;uniqueIndex:idx_machine_identity" json:"dmi_board_asset_tag"`
	OS               string `gorm:"column:os;not null;uniqueIndex:idx_machine_identity" json:"os"`
	Architecture     string `gorm:"column:architecture;not null;uniqueIndex:idx_machine_identity" json:"architecture"`
	CPUModel         string `gorm:"column:cpu_model;not null;uniqueIndex:idx_machine_identity" json:"cpu_model"`
	MemTotalBytes    uint64 `gorm:"column:mem_total_bytes;not null;uniqueIndex:idx_machine_identity" json:"mem_total_bytes"`
}

func machineFromInfo(info *machine.Info) Machine {
	return Machine{
		DMISysVendor:     info.DMISysVendor,
		DMIProductUUID:   info.DMIProductUUID,
		DMIProductSerial: info.DMIProductSerial,
		DMIBoardAssetTag: info.DMIBoardAssetTag,
		OS:               info.OS,
		Architecture:     info.Architecture,
		CPUModel:         info.CPUModel,
		MemTotalBytes:    info.MemTotalBytes,
	}
}

// identity returns the full attribute tuple as query conditions. A map is
// used so that empty attributes take part in the match.
func (m *Machine) identity() map[string]any {
	return map[string]any{
		"dmi_sys_vendor":      m.DMISysVendor,
		"dmi_product_uuid":    m.DMIProductUUID,
		"dmi_product_serial":  m.DMIProductSerial,
		"dmi_board_asset_tag": m.DMIBoardAssetTag,
		"os":                  m.OS,
		"architecture":        m.Architecture,
		"cpu_model":           m.CPUModel,
		"mem_total_bytes":     m.MemTotalBytes,
	}
}
