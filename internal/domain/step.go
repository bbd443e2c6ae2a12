package domain

import (
	"errors"
	"fmt"
)

var ErrUnknownStepType = errors.New("unknown step type")

type StepType string

const (
	StepHTTP     StepType = "http"
	StepDatabase StepType = "database"
	StepFile     StepType = "file"
	StepSftp     StepType = "sftp"
)

// Step is one node in the job pipeline. Exactly one of the per-type configs
// is non-nil, selected by Type. Every string field of every config is a
// template subject to reference resolution just before dispatch.
type Step struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type StepType `json:"type"`

	// Condition is an optional reference expression; when it resolves to a
	// falsy value the step is skipped.
	Condition string `json:"condition,omitempty"`

	HTTP     *HTTPStep     `json:"http,omitempty"`
	Database *DatabaseStep `json:"database,omitempty"`
	File     *FileStep     `json:"file,omitempty"`
	Sftp     *SftpStep     `json:"sftp,omitempty"`
}

// Config returns the non-nil per-type config, or an error when the tagged
// variant is inconsistent.
func (s *Step) Config() (any, error) {
	switch s.Type {
	case StepHTTP:
		if s.HTTP == nil {
			return nil, fmt.Errorf("step %q: missing http config", s.ID)
		}
		return s.HTTP, nil
	case StepDatabase:
		if s.Database == nil {
			return nil, fmt.Errorf("step %q: missing database config", s.ID)
		}
		return s.Database, nil
	case StepFile:
		if s.File == nil {
			return nil, fmt.Errorf("step %q: missing file config", s.ID)
		}
		return s.File, nil
	case StepSftp:
		if s.Sftp == nil {
			return nil, fmt.Errorf("step %q: missing sftp config", s.ID)
		}
		return s.Sftp, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStepType, s.Type)
	}
}

type AuthType string

const (
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthOAuth2 AuthType = "oauth2"
)

// StepAuth covers HTTP step authentication. OAuth2 is the client-credentials
// grant; the token endpoint is called at execution time.
type StepAuth struct {
	Type AuthType `json:"type"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	Token string `json:"token,omitempty"`

	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type HTTPStep struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *string           `json:"body,omitempty"`
	Auth    *StepAuth         `json:"auth,omitempty"`
}

type DBEngine string

const (
	EnginePostgres DBEngine = "postgres"
	EngineMySQL    DBEngine = "mysql"
	EngineOracle   DBEngine = "oracle"
)

type QueryKind string

const (
	QueryRawSQL          QueryKind = "raw_sql"
	QueryStoredProcedure QueryKind = "stored_procedure"
)

type DatabaseStep struct {
	Engine           DBEngine  `json:"engine"`
	ConnectionString string    `json:"connection_string"`
	Query            string    `json:"query,omitempty"`
	Kind             QueryKind `json:"kind"`
	ProcName         string    `json:"proc_name,omitempty"`
	ProcParams       []string  `json:"proc_params,omitempty"`
}

type FileOp string

const (
	FileRead  FileOp = "read"
	FileWrite FileOp = "write"
)

type FileFormat string

const (
	FormatExcel FileFormat = "excel"
	FormatCSV   FileFormat = "csv"
)

type FileStep struct {
	Op         FileOp            `json:"op"`
	Format     FileFormat        `json:"format"`
	Delimiter  string            `json:"delimiter,omitempty"`
	SourcePath string            `json:"source_path,omitempty"`
	DestPath   string            `json:"dest_path,omitempty"`
	Options    map[string]string `json:"options,omitempty"`
}

type SftpOp string

const (
	SftpDownload SftpOp = "download"
	SftpUpload   SftpOp = "upload"
)

type SftpAuthType string

const (
	SftpPassword SftpAuthType = "password"
	SftpSSHKey   SftpAuthType = "ssh_key"
)

type SftpOptions struct {
	Wildcard          bool `json:"wildcard,omitempty"`
	Recursive         bool `json:"recursive,omitempty"`
	VerifyHostKey     bool `json:"verify_host_key,omitempty"`
	CreateDirectories bool `json:"create_directories,omitempty"`
}

type SftpStep struct {
	Op         SftpOp       `json:"op"`
	Host       string       `json:"host"`
	Port       int          `json:"port"`
	AuthType   SftpAuthType `json:"auth_type"`
	Username   string       `json:"username"`
	Password   string       `json:"password,omitempty"`
	KeyPath    string       `json:"key_path,omitempty"`
	RemotePath string       `json:"remote_path"`
	LocalPath  string       `json:"local_path"`
	Options    SftpOptions  `json:"options,omitempty"`
}
