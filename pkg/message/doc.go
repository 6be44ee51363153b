// Package message defines the envelope exchanged between reconfiguration
// agents and the failover manager, and the JSON bodies each action carries.
package message
