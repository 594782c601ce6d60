// Package drivers is a convenience package that registers all built-in
// storage drivers. Import it with a blank identifier to make all drivers
// available:
//
//	import _ "github.com/nuln/agentdb/drivers"
package drivers

import (
	"github.com/nuln/agentdb"
	_ "github.com/nuln/agentdb/driver/fs"
	_ "github.com/nuln/agentdb/driver/memory"
	_ "github.com/nuln/agentdb/driver/postgres"
	_ "github.com/nuln/agentdb/driver/rclone"
	_ "github.com/nuln/agentdb/driver/redis"
	_ "github.com/nuln/agentdb/driver/s3"
	_ "github.com/nuln/agentdb/driver/sharded"
	_ "github.com/nuln/agentdb/driver/sqlite"
)

// List returns the names of all registered storage drivers.
func List() []string {
	return agentdb.Drivers()
}
