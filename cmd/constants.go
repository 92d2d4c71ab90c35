package cmd

import "github.com/crytic/subfork/chain/config"

// DefaultProjectConfigFilename describes the default config filename for a given project folder.
const DefaultProjectConfigFilename = config.DefaultConfigFile

// logBufferCapacity is the number of log lines kept for the /logs endpoint of the server.
const logBufferCapacity = 5000
