// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pgrtconfig provides a mechanism to create a pgrt session
// from a shared configuration. Pgrtconfig uses the configuration
// mechanism in package github.com/grailbio/base/config, and reads a
// default profile from $HOME/.pgrt/config.
package pgrtconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/pgrt/sched"
)

// Path determines the location of the pgrt profile read by Parse.
var Path = os.ExpandEnv("$HOME/.pgrt/config")

// Parse registers configuration flags and calls flag.Parse, reading
// pgrt configuration from Path defined in this package. Parse
// returns the session as configured by the configuration and any
// flags provided, along with a shutdown function that stops its
// workers. Parse panics if session creation fails.
func Parse() (sess *sched.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("pgrt", &sess)
	return sess, sess.Shutdown
}
