package main

const (
	apiPasswordEnvVariable = "SUBSD_API_PASSWORD"
	dataDirEnvVariable     = "SUBSD_DATA_DIR"
	configPathEnvVariable  = "SUBSD_CONFIG_FILE"

	defaultAPIAddr = "localhost:9880"
)
