package halo

// Cookie names under which the platform stores the two session tokens.
const (
	AuthCookie    = "TE1TX0FVVEg"
	ContextCookie = "TE1TX0NPTlRFWFQ"
)

// Published is the status value of visible announcements and released grades.
const Published = "PUBLISHED"

// Credential is the bearer token pair that authorizes upstream calls.
type Credential struct {
	Auth    string `json:"auth"`
	Context string `json:"context"`
}

func (c Credential) Valid() bool {
	return c.Auth != "" && c.Context != ""
}

type Person struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

func (p Person) Name() string {
	switch {
	case p.FirstName == "":
		return p.LastName
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type Author struct {
	ID   string `json:"id"`
	User Person `json:"user"`
}

type Resource struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Announcement is a class announcement post.
type Announcement struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	ForumID       string     `json:"forumId"`
	ForumTitle    string     `json:"forumTitle"`
	PostStatus    string     `json:"postStatus"`
	PublishDate   string     `json:"publishDate"`
	ModifiedDate  string     `json:"modifiedDate"`
	IsRead        bool       `json:"isRead"`
	CourseClassID string     `json:"courseClassId"`
	CreatedBy     *Author    `json:"createdBy,omitempty"`
	Resources     []Resource `json:"resources,omitempty"`
}

func (a Announcement) ItemID() string { return a.ID }

type Comment struct {
	Comment string `json:"comment"`
}

type Ref struct {
	ID string `json:"id"`
}

// Grade is one entry of a user's grade overview for a class.
type Grade struct {
	ID               string   `json:"id"`
	Status           string   `json:"status"`
	UserLastSeenDate *string  `json:"userLastSeenDate"`
	FinalPoints      *float64 `json:"finalPoints"`
	DueDate          string   `json:"dueDate"`
	Assessment       Ref      `json:"assessment"`
	FinalComment     *Comment `json:"finalComment,omitempty"`
}

func (g Grade) ItemID() string { return g.ID }

// Seen reports whether the student has already viewed the grade.
func (g Grade) Seen() bool {
	return g.UserLastSeenDate != nil && *g.UserLastSeenDate != ""
}

type Assessment struct {
	ID            string   `json:"id"`
	CourseClassID string   `json:"courseClassId"`
	Title         string   `json:"title"`
	Type          string   `json:"type"`
	Description   string   `json:"description"`
	DueDate       string   `json:"dueDate"`
	Points        *float64 `json:"points"`
}

// GradeFeedback is the full detail of a graded assessment.
type GradeFeedback struct {
	ID           string     `json:"id"`
	GradedDate   string     `json:"gradedDate"`
	DueDate      string     `json:"dueDate"`
	FinalPoints  *float64   `json:"finalPoints"`
	Assessment   Assessment `json:"assessment"`
	FinalComment *Comment   `json:"finalComment,omitempty"`
	User         Person     `json:"user"`
}

// InboxPost is a message in one of a user's inbox forums.
type InboxPost struct {
	ID          string  `json:"id"`
	ForumID     string  `json:"forumId"`
	Title       string  `json:"title"`
	Content     string  `json:"content"`
	PublishDate string  `json:"publishDate"`
	PostStatus  string  `json:"postStatus"`
	IsRead      bool    `json:"isRead"`
	CreatedBy   *Author `json:"createdBy,omitempty"`
}

func (p InboxPost) ItemID() string { return p.ID }

type InboxForum struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type ClassUser struct {
	ID            string `json:"id"`
	CourseClassID string `json:"courseClassId"`
	RoleName      string `json:"roleName"`
	BaseRoleName  string `json:"baseRoleName"`
	Status        string `json:"status"`
	UserID        string `json:"userId"`
}

type CourseClass struct {
	ID          string      `json:"id"`
	ClassCode   string      `json:"classCode"`
	SlugID      string      `json:"slugId"`
	Name        string      `json:"name"`
	Stage       string      `json:"stage"`
	CourseCode  string      `json:"courseCode"`
	StartDate   string      `json:"startDate"`
	EndDate     string      `json:"endDate"`
	Students    []ClassUser `json:"students"`
	Instructors []ClassUser `json:"instructors"`
}

// Student returns the class membership of the given upstream user.
func (c CourseClass) Student(haloUserID string) (ClassUser, bool) {
	for _, s := range c.Students {
		if s.UserID == haloUserID {
			return s, true
		}
	}
	return ClassUser{}, false
}

// UserOverview is a user's profile with their enrolled classes.
type UserOverview struct {
	User    Person        `json:"userInfo"`
	Classes []CourseClass `json:"classes"`
}
