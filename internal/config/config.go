package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"

	"github.com/openhie/xds-mediator/internal/platform/hl7"
)

// Config holds every tunable of the mediator. Values come from the
// environment, optionally seeded from a .env file.
type Config struct {
	Port        string `mapstructure:"HTTP_PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`

	// Provide-and-Register orchestration switches.
	SendParseOrchestration bool `mapstructure:"PNR_SEND_PARSE_ORCHESTRATION"`
	ProvidersEnrich        bool `mapstructure:"PNR_PROVIDERS_ENRICH"`
	FacilitiesEnrich       bool `mapstructure:"PNR_FACILITIES_ENRICH"`
	PatientsAutoRegister   bool `mapstructure:"PNR_PATIENTS_AUTO_REGISTER"`

	// Target assigning authorities that resolved identifiers are
	// expressed in, per category.
	PatientAANamespace        string `mapstructure:"REQUESTED_AA_PATIENT_NAMESPACE"`
	PatientAAUniversalID      string `mapstructure:"REQUESTED_AA_PATIENT_UNIVERSAL_ID"`
	PatientAAUniversalIDType  string `mapstructure:"REQUESTED_AA_PATIENT_UNIVERSAL_ID_TYPE"`
	ProviderAANamespace       string `mapstructure:"REQUESTED_AA_PROVIDER_NAMESPACE"`
	ProviderAAUniversalID     string `mapstructure:"REQUESTED_AA_PROVIDER_UNIVERSAL_ID"`
	ProviderAAUniversalIDType string `mapstructure:"REQUESTED_AA_PROVIDER_UNIVERSAL_ID_TYPE"`
	FacilityAANamespace       string `mapstructure:"REQUESTED_AA_FACILITY_NAMESPACE"`
	FacilityAAUniversalID     string `mapstructure:"REQUESTED_AA_FACILITY_UNIVERSAL_ID"`
	FacilityAAUniversalIDType string `mapstructure:"REQUESTED_AA_FACILITY_UNIVERSAL_ID_TYPE"`

	// Resolver variant per category: "pix", "fhir" or "internal". The
	// identity feed transport follows the patient resolver mode.
	ResolverPatientsMode   string `mapstructure:"RESOLVER_PATIENTS_MODE"`
	ResolverProvidersMode  string `mapstructure:"RESOLVER_PROVIDERS_MODE"`
	ResolverFacilitiesMode string `mapstructure:"RESOLVER_FACILITIES_MODE"`

	FHIRMPIURL           string `mapstructure:"FHIR_MPI_URL"`
	FHIRMPIClientName    string `mapstructure:"FHIR_MPI_CLIENT_NAME"`
	FHIRMPIPassword      string `mapstructure:"FHIR_MPI_PASSWORD"`
	FHIREnterpriseSystem string `mapstructure:"FHIR_ENTERPRISE_SYSTEM"`

	PIXManagerHost          string `mapstructure:"PIX_MANAGER_HOST"`
	PIXManagerPort          int    `mapstructure:"PIX_MANAGER_PORT"`
	PIXSendingApplication   string `mapstructure:"PIX_SENDING_APPLICATION"`
	PIXSendingFacility      string `mapstructure:"PIX_SENDING_FACILITY"`
	PIXReceivingApplication string `mapstructure:"PIX_RECEIVING_APPLICATION"`
	PIXReceivingFacility    string `mapstructure:"PIX_RECEIVING_FACILITY"`

	ResolveTimeout      time.Duration `mapstructure:"RESOLVE_TIMEOUT"`
	TransactionDeadline time.Duration `mapstructure:"TRANSACTION_DEADLINE"`

	ATNASyslogAddr  string `mapstructure:"ATNA_SYSLOG_ADDR"`
	DSUBMaxAttempts int    `mapstructure:"DSUB_MAX_ATTEMPTS"`
}

var configKeys = []string{
	"HTTP_PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"PNR_SEND_PARSE_ORCHESTRATION", "PNR_PROVIDERS_ENRICH",
	"PNR_FACILITIES_ENRICH", "PNR_PATIENTS_AUTO_REGISTER",
	"REQUESTED_AA_PATIENT_NAMESPACE", "REQUESTED_AA_PATIENT_UNIVERSAL_ID", "REQUESTED_AA_PATIENT_UNIVERSAL_ID_TYPE",
	"REQUESTED_AA_PROVIDER_NAMESPACE", "REQUESTED_AA_PROVIDER_UNIVERSAL_ID", "REQUESTED_AA_PROVIDER_UNIVERSAL_ID_TYPE",
	"REQUESTED_AA_FACILITY_NAMESPACE", "REQUESTED_AA_FACILITY_UNIVERSAL_ID", "REQUESTED_AA_FACILITY_UNIVERSAL_ID_TYPE",
	"RESOLVER_PATIENTS_MODE", "RESOLVER_PROVIDERS_MODE", "RESOLVER_FACILITIES_MODE",
	"FHIR_MPI_URL", "FHIR_MPI_CLIENT_NAME", "FHIR_MPI_PASSWORD", "FHIR_ENTERPRISE_SYSTEM",
	"PIX_MANAGER_HOST", "PIX_MANAGER_PORT",
	"PIX_SENDING_APPLICATION", "PIX_SENDING_FACILITY",
	"PIX_RECEIVING_APPLICATION", "PIX_RECEIVING_FACILITY",
	"RESOLVE_TIMEOUT", "TRANSACTION_DEADLINE",
	"ATNA_SYSLOG_ADDR", "DSUB_MAX_ATTEMPTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("HTTP_PORT", "8500")
	v.SetDefault("ENV", "production")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("PNR_SEND_PARSE_ORCHESTRATION", false)
	v.SetDefault("PNR_PROVIDERS_ENRICH", true)
	v.SetDefault("PNR_FACILITIES_ENRICH", true)
	v.SetDefault("PNR_PATIENTS_AUTO_REGISTER", false)
	v.SetDefault("REQUESTED_AA_PATIENT_NAMESPACE", "ECID")
	v.SetDefault("REQUESTED_AA_PATIENT_UNIVERSAL_ID", "ECID")
	v.SetDefault("REQUESTED_AA_PATIENT_UNIVERSAL_ID_TYPE", "ECID")
	v.SetDefault("REQUESTED_AA_PROVIDER_NAMESPACE", "EPID")
	v.SetDefault("REQUESTED_AA_PROVIDER_UNIVERSAL_ID", "EPID")
	v.SetDefault("REQUESTED_AA_PROVIDER_UNIVERSAL_ID_TYPE", "EPID")
	v.SetDefault("REQUESTED_AA_FACILITY_NAMESPACE", "ELID")
	v.SetDefault("REQUESTED_AA_FACILITY_UNIVERSAL_ID", "ELID")
	v.SetDefault("REQUESTED_AA_FACILITY_UNIVERSAL_ID_TYPE", "ELID")
	v.SetDefault("RESOLVER_PATIENTS_MODE", "pix")
	v.SetDefault("RESOLVER_PROVIDERS_MODE", "internal")
	v.SetDefault("RESOLVER_FACILITIES_MODE", "internal")
	v.SetDefault("FHIR_ENTERPRISE_SYSTEM", "http://openclientregistry.org/fhir/sourceid")
	v.SetDefault("PIX_MANAGER_PORT", 3600)
	v.SetDefault("PIX_SENDING_APPLICATION", "xds-mediator")
	v.SetDefault("PIX_SENDING_FACILITY", "openhie")
	v.SetDefault("PIX_RECEIVING_APPLICATION", "pix-manager")
	v.SetDefault("PIX_RECEIVING_FACILITY", "mpi")
	v.SetDefault("RESOLVE_TIMEOUT", "60s")
	v.SetDefault("TRANSACTION_DEADLINE", "120s")
	v.SetDefault("DSUB_MAX_ATTEMPTS", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range configKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: mediator is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: the admin API accepts unauthenticated requests. Do not use in production.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the mediator is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// PatientAuthority returns the enterprise patient identifier domain (ECID).
func (c *Config) PatientAuthority() hl7.AssigningAuthority {
	return hl7.AssigningAuthority{
		NamespaceID:     c.PatientAANamespace,
		UniversalID:     c.PatientAAUniversalID,
		UniversalIDType: c.PatientAAUniversalIDType,
	}
}

// ProviderAuthority returns the enterprise provider identifier domain (EPID).
func (c *Config) ProviderAuthority() hl7.AssigningAuthority {
	return hl7.AssigningAuthority{
		NamespaceID:     c.ProviderAANamespace,
		UniversalID:     c.ProviderAAUniversalID,
		UniversalIDType: c.ProviderAAUniversalIDType,
	}
}

// FacilityAuthority returns the enterprise facility identifier domain (ELID).
func (c *Config) FacilityAuthority() hl7.AssigningAuthority {
	return hl7.AssigningAuthority{
		NamespaceID:     c.FacilityAANamespace,
		UniversalID:     c.FacilityAAUniversalID,
		UniversalIDType: c.FacilityAAUniversalIDType,
	}
}

// PIXManagerAddr returns the host:port the MLLP client dials.
func (c *Config) PIXManagerAddr() string {
	return fmt.Sprintf("%s:%d", c.PIXManagerHost, c.PIXManagerPort)
}

var validResolverModes = map[string]bool{
	"pix": true, "fhir": true, "internal": true,
}

// Validate checks that the configuration is safe to run. Resolver modes
// must name a known variant and carry the endpoint settings that variant
// needs. In non-development mode the admin API requires a JWT issuer.
func (c *Config) Validate() error {
	modes := map[string]string{
		"RESOLVER_PATIENTS_MODE":   c.ResolverPatientsMode,
		"RESOLVER_PROVIDERS_MODE":  c.ResolverProvidersMode,
		"RESOLVER_FACILITIES_MODE": c.ResolverFacilitiesMode,
	}
	needsPIX := false
	needsFHIR := false
	for key, mode := range modes {
		if !validResolverModes[mode] {
			return fmt.Errorf("%s must be \"pix\", \"fhir\", or \"internal\", got %q", key, mode)
		}
		needsPIX = needsPIX || mode == "pix"
		needsFHIR = needsFHIR || mode == "fhir"
	}

	if needsPIX && c.PIXManagerHost == "" {
		return fmt.Errorf("PIX_MANAGER_HOST is required when a resolver mode is \"pix\"")
	}
	if needsFHIR && c.FHIRMPIURL == "" {
		return fmt.Errorf("FHIR_MPI_URL is required when a resolver mode is \"fhir\"")
	}

	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("RESOLVE_TIMEOUT must be positive, got %s", c.ResolveTimeout)
	}
	if c.TransactionDeadline <= 0 {
		return fmt.Errorf("TRANSACTION_DEADLINE must be positive, got %s", c.TransactionDeadline)
	}
	if c.DSUBMaxAttempts < 1 {
		return fmt.Errorf("DSUB_MAX_ATTEMPTS must be at least 1, got %d", c.DSUBMaxAttempts)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_JWKS_URL must be set outside development mode (current ENV=%q); "+
				"refusing to expose the admin API without authentication", c.Env)
	}

	return nil
}
