package pipeline

var DrainContext = drainContext
