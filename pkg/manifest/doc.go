// Package manifest discovers and validates plugin manifests.
//
// A plugin version lives in <plugin_dir>/<name>/<version>/ and is described
// by manifest.yaml:
//
//	name: weather
//	version: 0.1.0
//	description: weather forecasts
//	services:
//	  - name: forecast
//	    default_configuration:
//	      city: Moscow
//	    config_schema:
//	      type: object
//	      required: [city]
//	migration:
//	  - author.db
//	  - book.db
//
// Migration files are resolved relative to the manifest directory.
package manifest
