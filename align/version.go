package align

// Version of the estimation library.
const Version = "1.0.0"
