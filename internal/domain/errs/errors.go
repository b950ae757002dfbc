package errs

import "errors"

var (
	ErrUserType           = errors.New("wrong user type")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")

	ErrNotConnected         = errors.New("not connected to controller")
	ErrAlreadyAuthenticated = errors.New("client already authenticated")
	ErrUnauthorized         = errors.New("controller rejected credentials")
	ErrNoAuthToken          = errors.New("no access token or session cookie received")

	ErrCameraNotFound  = errors.New("camera not found")
	ErrCameraMissingID = errors.New("camera has no id")

	ErrNoFootage    = errors.New("no footage for requested window")
	ErrStallTimeout = errors.New("download stalled")

	ErrToolNotFound = errors.New("companion probe executable not found")
	ErrNoInput      = errors.New("no video files found")
	ErrNoFrames     = errors.New("no frames extracted")
	ErrZeroDuration = errors.New("unable to determine video duration")

	ErrDownloadInProgress = errors.New("a download is already in progress")
	ErrBuildInProgress    = errors.New("a timelapse build is already in progress")
)
