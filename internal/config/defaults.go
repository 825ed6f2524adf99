package config

// DefaultAddr is the default listen address.
const DefaultAddr = "127.0.0.1:7780"

// DefaultLogLevel is used when neither the file nor a flag sets one.
const DefaultLogLevel = "info"
