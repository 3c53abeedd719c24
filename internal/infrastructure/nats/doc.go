// Package nats provides the NATS connection used for the position uplink.
//
// Accepted positions are published as JSON on "{prefix}.{protocol}" and on
// "{prefix}.all" so consumers can follow one decoder or the whole fleet.
package nats
