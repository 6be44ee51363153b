// Package upgrade rolls a fabric version across the cluster one upgrade
// domain at a time. Progress is persisted with the installed version so a
// new FM primary resumes where the previous one stopped.
package upgrade
