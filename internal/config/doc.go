// Package config loads hardening policies.
//
// A policy is an HCL file (JSON and YAML are accepted too) made of an
// optional settings block, an optional safety block, zero or more host
// blocks and the unit blocks that describe each change:
//
//	settings {
//	  backup_dir = "/var/backups/bulwark"
//	}
//
//	safety {
//	  emergency_port = 2222
//	  lease_duration = "5m"
//	}
//
//	unit "sshd_root_login" {
//	  kind             = "directive"
//	  target           = "/etc/ssh/sshd_config"
//	  tier             = 1
//	  access_affecting = true
//	  settings         = { PermitRootLogin = "no" }
//
//	  validate "command" {
//	    command = ["sshd", "-t", "-f", "{target}"]
//	  }
//	}
//
// HCL expressions may reference env.NAME and hostname.
package config
