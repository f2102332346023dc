package build

import "os"

// DeploymentType is an enum specifying the deployment to compile.
type DeploymentType byte

const (
	// Development is a deployment that routes every sub-logger to stdout
	// so that package tests can observe log output.
	Development DeploymentType = iota

	// Production is a deployment that only logs through the handlers
	// installed by the daemon.
	Production
)

// devLogEnv, when set, switches the deployment to Development. The value is
// used as the default stdout log level.
const devLogEnv = "DDK_DEVLOG"

// Deployment is the deployment the current binary runs as.
var Deployment = deploymentFromEnv()

// LogLevel is the level used by stdout loggers in development deployments.
var LogLevel = "info"

func deploymentFromEnv() DeploymentType {
	level, ok := os.LookupEnv(devLogEnv)
	if !ok {
		return Production
	}
	if level != "" {
		LogLevel = level
	}

	return Development
}

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// IsProdBuild returns true if this is a production build.
func IsProdBuild() bool {
	return Deployment == Production
}

// IsDevBuild returns true if this is a development build.
func IsDevBuild() bool {
	return Deployment == Development
}
