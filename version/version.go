package version

// Version is the Major.Minor.Patch tag from git, set with
// -ldflags "-X github.com/jake-scott/gotile/version.Version=..."
// at build time; 'dev' otherwise
var Version string = "dev"
