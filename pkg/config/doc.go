/*
Package config loads the daemon configuration: a YAML file over
built-in defaults, with command-line flag overrides applied by the
command layer before Validate runs.
*/
package config
