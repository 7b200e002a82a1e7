package config

import "time"

// Concurrency gate scopes.
const (
	ScopeGlobal     = "global"
	ScopeRepository = "repository"
)

// Webhook behavior when a deployment is already active.
const (
	BusyPolicyQueue  = "queue"
	BusyPolicyReject = "reject"
)

// AgentConfig holds runtime configuration for the deployment agent.
type AgentConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	JWTSecret     string

	WebhookSecret     string
	WebhookBusyPolicy string
	AllowedRepos      []string
	TrackedBranch     string

	ConcurrencyScope string

	GitBaseURL    string
	GitToken      string
	RepoCheckAPI  bool
	WorkspaceRoot string
	TargetDir     string
	PreservePaths []string

	ValidateCommand string
	VerifyURL       string
	VerifyTimeout   time.Duration

	BackupDir       string
	BackupRetention int
	BackupS3Bucket  string
	BackupS3Region  string
	BackupS3Prefix  string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string

	StepTimeout    time.Duration
	StepMaxRetries int
	StepRetryDelay time.Duration

	EventBuffer int

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAgentConfig constructs an AgentConfig from environment variables.
func LoadAgentConfig() AgentConfig {
	return AgentConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("DEPLOY_ADDR", ":3070"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://gitops:gitops@db:5432/gitops?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:     GetString("JWT_SECRET", "supersecuresecret"),

		WebhookSecret:     GetString("WEBHOOK_SECRET", ""),
		WebhookBusyPolicy: GetString("WEBHOOK_BUSY_POLICY", BusyPolicyQueue),
		AllowedRepos:      GetStringSlice("ALLOWED_REPOSITORIES", []string{"festion/home-assistant-config"}),
		TrackedBranch:     GetString("TRACKED_BRANCH", "main"),

		ConcurrencyScope: GetString("DEPLOY_CONCURRENCY_SCOPE", ScopeGlobal),

		GitBaseURL:    GetString("GIT_BASE_URL", "https://github.com"),
		GitToken:      GetString("GIT_TOKEN", ""),
		RepoCheckAPI:  GetBool("REPO_CHECK_API", false),
		WorkspaceRoot: GetString("DEPLOY_WORKSPACE_ROOT", "/tmp/gitops-deploy"),
		TargetDir:     GetString("DEPLOY_TARGET_DIR", "/config"),
		PreservePaths: GetStringSlice("DEPLOY_PRESERVE_PATHS", []string{"secrets.yaml", ".storage"}),

		ValidateCommand: GetString("VALIDATE_COMMAND", ""),
		VerifyURL:       GetString("VERIFY_URL", ""),
		VerifyTimeout:   GetDuration("VERIFY_TIMEOUT", 10*time.Second),

		BackupDir:       GetString("BACKUP_DIR", "/var/lib/gitops-deploy/backups"),
		BackupRetention: GetInt("BACKUP_RETENTION", 10),
		BackupS3Bucket:  GetString("BACKUP_S3_BUCKET", ""),
		BackupS3Region:  GetString("BACKUP_S3_REGION", "us-east-1"),
		BackupS3Prefix:  GetString("BACKUP_S3_PREFIX", "config-backups"),
		S3Endpoint:      GetString("S3_ENDPOINT_URL", ""),
		S3AccessKey:     GetString("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:     GetString("S3_SECRET_ACCESS_KEY", ""),

		StepTimeout:    GetDuration("STEP_TIMEOUT", 5*time.Minute),
		StepMaxRetries: GetInt("STEP_MAX_RETRIES", 2),
		StepRetryDelay: GetDuration("STEP_RETRY_DELAY", 5*time.Second),

		EventBuffer: GetInt("EVENT_BUFFER", 64),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
