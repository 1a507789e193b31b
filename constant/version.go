package constant

// Version is overwritten at link time with -ldflags "-X".
var Version = "dev"
